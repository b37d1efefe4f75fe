package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"funding-grid-alerts/internal/engine"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS symbol_states (
        symbol          TEXT PRIMARY KEY,
        last_sent_level NUMERIC,
        min_seen        NUMERIC,
        touched_rebound BOOLEAN NOT NULL DEFAULT FALSE,
        mode            TEXT NOT NULL DEFAULT 'unset',
        last_below_at   TIMESTAMPTZ NOT NULL
    );
    CREATE TABLE IF NOT EXISTS scan_meta (
        id          SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
        version     INTEGER NOT NULL,
        meta        JSONB NOT NULL,
        subscribers TEXT[] NOT NULL DEFAULT '{}',
        updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS grid_alerts (
        id          UUID PRIMARY KEY,
        symbol      TEXT NOT NULL,
        rate_pct    NUMERIC NOT NULL,
        level_pct   NUMERIC NOT NULL,
        direction   TEXT NOT NULL,
        trigger     TEXT NOT NULL,
        observed_at TIMESTAMPTZ NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS grid_alerts_symbol_observed_idx ON grid_alerts (symbol, observed_at);`

	listStatesSQL = `SELECT
        symbol,
        last_sent_level::text,
        min_seen::text,
        touched_rebound,
        mode,
        last_below_at
    FROM symbol_states
    ORDER BY symbol;`

	loadMetaSQL = `SELECT version, meta, subscribers FROM scan_meta WHERE id = 1;`

	deleteStatesSQL = `DELETE FROM symbol_states;`

	insertStateSQL = `INSERT INTO symbol_states (
        symbol,
        last_sent_level,
        min_seen,
        touched_rebound,
        mode,
        last_below_at
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	upsertMetaSQL = `INSERT INTO scan_meta (id, version, meta, subscribers, updated_at)
    VALUES (1, $1, $2, $3, now())
    ON CONFLICT (id) DO UPDATE
    SET version     = EXCLUDED.version,
        meta        = EXCLUDED.meta,
        subscribers = EXCLUDED.subscribers,
        updated_at  = EXCLUDED.updated_at;`

	insertAlertSQL = `INSERT INTO grid_alerts (
        id,
        symbol,
        rate_pct,
        level_pct,
        direction,
        trigger,
        observed_at,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (id) DO NOTHING;`

	alertColumns = `id::text, symbol, rate_pct::text, level_pct::text, direction, trigger, observed_at, created_at`

	listAlertsBetweenSQL = `SELECT ` + alertColumns + `
    FROM grid_alerts
    WHERE observed_at >= $1
      AND observed_at < $2
      AND ($3::text = '' OR symbol = $3::text)
    ORDER BY observed_at
    LIMIT NULLIF($4::int, 0);`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM grid_alerts
    ORDER BY observed_at DESC
    LIMIT NULLIF($1::int, 0);`

	deleteAlertsBeforeSQL = `DELETE FROM grid_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store keeps state, alert history and the scan lock in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates tables on first use.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Load reads every symbol state plus the scan meta row.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return Snapshot{}, err
	}

	snap := EmptySnapshot()

	rows, queryErr := pool.Query(ctx, listStatesSQL)
	if queryErr != nil {
		return Snapshot{}, fmt.Errorf("list symbol states: %w", queryErr)
	}
	defer rows.Close()
	for rows.Next() {
		symbol, st, scanErr := scanSymbolState(rows)
		if scanErr != nil {
			return Snapshot{}, scanErr
		}
		snap.States[symbol] = st
	}
	if rows.Err() != nil {
		return Snapshot{}, rows.Err()
	}

	var (
		version int
		metaRaw []byte
		subs    []string
	)
	err = pool.QueryRow(ctx, loadMetaSQL).Scan(&version, &metaRaw, &subs)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return snap, nil
	case err != nil:
		return Snapshot{}, fmt.Errorf("load scan meta: %w", err)
	}
	if version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}
	if err := json.Unmarshal(metaRaw, &snap.Meta); err != nil {
		return Snapshot{}, fmt.Errorf("%w: scan meta: %v", ErrCorruptSnapshot, err)
	}
	snap.Subscribers = subs
	return snap, nil
}

// Save replaces the persisted snapshot in a single transaction.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	metaRaw, err := json.Marshal(snap.Meta)
	if err != nil {
		return fmt.Errorf("encode scan meta: %w", err)
	}
	subs := snap.Subscribers
	if subs == nil {
		subs = []string{}
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteStatesSQL); err != nil {
			return fmt.Errorf("clear symbol states: %w", err)
		}

		batch := &pgx.Batch{}
		for _, symbol := range snap.SortedSymbols() {
			st := snap.States[symbol]
			if st == nil {
				continue
			}
			batch.Queue(insertStateSQL,
				symbol,
				numericArg(st.LastSentLevel),
				numericArg(st.MinSeen),
				st.TouchedRebound,
				st.Mode.String(),
				st.LastBelowAt.UTC(),
			)
		}
		batch.Queue(upsertMetaSQL, SnapshotVersion, metaRaw, subs)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		return nil
	})
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID.String(),
		alert.Symbol,
		alert.RatePct.String(),
		alert.LevelPct.String(),
		alert.Direction,
		alert.Trigger,
		alert.ObservedAt,
		alert.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListAlertsBetween lists alerts observed within [from, to), optionally for one
// symbol. A zero limit returns every row.
func (s *Store) ListAlertsBetween(ctx context.Context, symbol string, from, to time.Time, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectAlerts(rows pgx.Rows) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var rec AlertRecord
		var idStr, rateStr, levelStr string
		if err := rows.Scan(
			&idStr,
			&rec.Symbol,
			&rateStr,
			&levelStr,
			&rec.Direction,
			&rec.Trigger,
			&rec.ObservedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.ID, convErr = uuid.Parse(idStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert id: %w", convErr)
		}
		rec.RatePct, convErr = decimal.NewFromString(rateStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse rate pct: %w", convErr)
		}
		rec.LevelPct, convErr = decimal.NewFromString(levelStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse level pct: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanSymbolState(rows pgx.Rows) (string, *engine.SymbolState, error) {
	var (
		symbol    string
		lastSent  sql.NullString
		minSeen   sql.NullString
		touched   bool
		mode      string
		lastBelow time.Time
	)
	if err := rows.Scan(&symbol, &lastSent, &minSeen, &touched, &mode, &lastBelow); err != nil {
		return "", nil, err
	}

	st := &engine.SymbolState{
		TouchedRebound: touched,
		LastBelowAt:    lastBelow.UTC(),
	}
	if err := st.Mode.UnmarshalText([]byte(mode)); err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, symbol, err)
	}
	var err error
	if st.LastSentLevel, err = parseNumeric(lastSent); err != nil {
		return "", nil, fmt.Errorf("parse last sent level for %s: %w", symbol, err)
	}
	if st.MinSeen, err = parseNumeric(minSeen); err != nil {
		return "", nil, fmt.Errorf("parse min seen for %s: %w", symbol, err)
	}
	return symbol, st, nil
}

func numericArg(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return decimal.NewFromFloat(*v).String()
}

func parseNumeric(v sql.NullString) (*float64, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	f := d.InexactFloat64()
	return &f, nil
}

var (
	_ StateStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
