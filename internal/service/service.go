package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funding-grid-alerts/internal/alerting"
	"funding-grid-alerts/internal/config"
	"funding-grid-alerts/internal/engine"
	"funding-grid-alerts/internal/fetcher"
	"funding-grid-alerts/internal/metrics"
	"funding-grid-alerts/internal/scheduler"
	"funding-grid-alerts/internal/storage"
)

// Scan triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Deps are the collaborators of the service. Only Engine, Sampler and State
// are required.
type Deps struct {
	Engine      *engine.Engine
	Sampler     fetcher.Sampler
	Universe    fetcher.UniverseRefresher
	State       storage.StateStore
	Alerts      storage.AlertStore
	Locker      storage.AdvisoryLocker
	Broadcaster *alerting.Broadcaster
	Notifiers   []alerting.Notifier
	Metrics     *metrics.Metrics
	Scheduler   *scheduler.Scheduler
	Maintenance *scheduler.Scheduler
}

// ScanResult describes one completed scan.
type ScanResult struct {
	Trigger     string
	StartedAt   time.Time
	Duration    time.Duration
	Evaluated   int
	FetchErrors []fetcher.FetchError
	Alerts      []engine.Alert
	Evicted     int
	Tracked     int
	Skipped     bool
}

// Service owns the per-symbol state map and runs scans against it.
type Service struct {
	deps   Deps
	grid   config.GridConfig
	logger zerolog.Logger
	now    func() time.Time

	lockKey        int64
	staticChats    []string
	allowSubscribe bool
	alertRetention time.Duration

	// scanMu serialises scans; persistMu serialises snapshot writes.
	scanMu    sync.Mutex
	persistMu sync.Mutex

	mu          sync.RWMutex
	states      map[string]*engine.SymbolState
	meta        storage.ScanMeta
	subscribers []string
	restored    bool
	// dirty is set while the in-memory state is ahead of the store.
	dirty bool
}

// New constructs the monitoring service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		deps:           deps,
		grid:           cfg.Grid,
		logger:         logger.With().Str("component", "service").Logger(),
		now:            time.Now,
		lockKey:        cfg.Scheduler.AdvisoryLockKey,
		staticChats:    cfg.Telegram.ChatIDs,
		allowSubscribe: cfg.Telegram.AllowSubscribe,
		alertRetention: cfg.Database.AlertRetention,
		states:         make(map[string]*engine.SymbolState),
	}
}

// Restore loads the persisted snapshot. A corrupt or unreadable snapshot is
// logged and replaced by an empty one.
func (s *Service) Restore(ctx context.Context) error {
	snap, err := s.deps.State.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("state snapshot unreadable, starting empty")
		snap = storage.EmptySnapshot()
	}

	s.mu.Lock()
	s.states = snap.States
	s.meta = snap.Meta
	s.subscribers = snap.Subscribers
	s.restored = true
	s.mu.Unlock()

	s.logger.Info().
		Int("tracked", len(snap.States)).
		Int("subscribers", len(snap.Subscribers)).
		Msg("state restored")
	return nil
}

// Run blocks on the scan loop and, if configured, the maintenance loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.deps.Maintenance == nil {
		return s.deps.Scheduler.Run(ctx, s.ProcessTick)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.deps.Maintenance.Run(ctx, s.Maintain) }()
	err := s.deps.Scheduler.Run(ctx, s.ProcessTick)
	<-errCh
	return err
}

// ProcessTick runs one scheduled scan under the cross-instance lock and
// broadcasts any alerts.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	res, err := s.ScanExclusive(ctx, TriggerScheduled)
	if res.Skipped {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
	}
	return err
}

// ScanNow runs an out-of-band scan. Alerts are returned to the caller and not
// broadcast; state still advances so the next scheduled scan will not repeat them.
func (s *Service) ScanNow(ctx context.Context) (ScanResult, error) {
	return s.ScanExclusive(ctx, TriggerManual)
}

// ScanExclusive runs a scan under the cross-instance lock. With a lock in
// place the persisted snapshot is reloaded first, so progress saved by
// another process is not overwritten. Skipped is set when the lock is held
// elsewhere.
func (s *Service) ScanExclusive(ctx context.Context, trigger string) (ScanResult, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return ScanResult{Trigger: trigger}, err
	}
	if !proceed {
		return ScanResult{Trigger: trigger, Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}
	return s.scan(ctx, trigger, unlock != nil)
}

// Scan performs fetch, evaluate, evict, persist and deliver. A total sampler
// failure leaves the state map untouched and is recorded in the scan meta.
func (s *Service) Scan(ctx context.Context, trigger string) (ScanResult, error) {
	return s.scan(ctx, trigger, false)
}

func (s *Service) scan(ctx context.Context, trigger string, reload bool) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if reload {
		s.reload(ctx)
	}

	started := s.now().UTC()
	res := ScanResult{Trigger: trigger, StartedAt: started}

	snap, fetchErr := s.deps.Sampler.FetchSnapshot(ctx)
	if fetchErr == nil && len(snap.Samples) == 0 && len(snap.Errors) > 0 {
		fetchErr = fmt.Errorf("all %d symbols failed to sample", len(snap.Errors))
	}
	res.FetchErrors = snap.Errors
	s.deps.Metrics.AddFetchErrors(len(snap.Errors))
	if fetchErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		msg := fetchErr.Error()
		s.mu.Lock()
		s.meta = storage.ScanMeta{
			LastScanAt:      &started,
			LastError:       &msg,
			LastTrigger:     trigger,
			LastFetchErrors: len(snap.Errors),
		}
		res.Tracked = len(s.states)
		s.mu.Unlock()

		s.persist(ctx)
		res.Duration = s.now().Sub(started)
		s.deps.Metrics.ObserveScan(trigger, "error", res.Duration, res.Tracked, started)
		s.logger.Error().Err(fetchErr).Str("trigger", trigger).Msg("sampling failed, state retained")
		return res, fmt.Errorf("fetch snapshot: %w", fetchErr)
	}

	for _, fe := range snap.Errors {
		s.logger.Debug().Str("symbol", fe.Symbol).Str("error", fe.Message).Msg("symbol not sampled")
	}

	s.mu.RLock()
	next := make(map[string]*engine.SymbolState, len(s.states))
	for symbol, st := range s.states {
		next[symbol] = st
	}
	s.mu.RUnlock()

	samples := make([]engine.Sample, len(snap.Samples))
	copy(samples, snap.Samples)
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Symbol < samples[j].Symbol })

	levels := s.grid.Levels()
	qualifying := make(map[string]bool, len(samples))
	for _, sample := range samples {
		alert, st := s.deps.Engine.Evaluate(next[sample.Symbol], sample)
		if st != nil {
			next[sample.Symbol] = st
		}
		if levels.InAlertTerritory(sample.RatePct) {
			qualifying[sample.Symbol] = true
		}
		if alert != nil {
			res.Alerts = append(res.Alerts, *alert)
		}
	}
	res.Evaluated = len(samples)

	scanAt := s.now().UTC()
	for symbol, st := range next {
		if qualifying[symbol] {
			continue
		}
		if st.Expired(scanAt, s.grid.ResetAfter) {
			delete(next, symbol)
			res.Evicted++
			s.logger.Debug().Str("symbol", symbol).Time("last_below_at", st.LastBelowAt).Msg("state reset")
		}
	}
	res.Tracked = len(next)

	s.mu.Lock()
	s.states = next
	s.meta = storage.ScanMeta{
		LastScanAt:      &scanAt,
		LastAlertCount:  len(res.Alerts),
		LastTrigger:     trigger,
		LastEvaluated:   res.Evaluated,
		LastEvicted:     res.Evicted,
		LastFetchErrors: len(snap.Errors),
	}
	s.mu.Unlock()

	s.persist(ctx)
	s.recordAlerts(ctx, trigger, res.Alerts)
	s.deliver(ctx, trigger, res.Alerts)

	res.Duration = s.now().Sub(started)
	s.deps.Metrics.ObserveScan(trigger, "ok", res.Duration, res.Tracked, scanAt)
	for _, a := range res.Alerts {
		s.deps.Metrics.AddAlert(string(a.Direction))
	}

	s.logger.Info().
		Str("trigger", trigger).
		Int("evaluated", res.Evaluated).
		Int("fetch_errors", len(snap.Errors)).
		Int("alerts", len(res.Alerts)).
		Int("evicted", res.Evicted).
		Int("tracked", res.Tracked).
		Dur("took", res.Duration).
		Msg("scan complete")
	return res, nil
}

// Maintain refreshes the symbol universe and prunes old alert history.
func (s *Service) Maintain(ctx context.Context, _ time.Time) error {
	var errs []error
	if s.deps.Universe != nil {
		if _, err := s.deps.Universe.RefreshUniverse(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh universe: %w", err))
		}
	}
	if s.deps.Alerts != nil && s.alertRetention > 0 {
		cutoff := s.now().UTC().Add(-s.alertRetention)
		removed, err := s.deps.Alerts.DeleteAlertsBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
		} else if removed > 0 {
			s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("alert history pruned")
		}
	}
	return errors.Join(errs...)
}

func (s *Service) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snap := s.Snapshot()
	err := s.deps.State.Save(ctx, snap)
	s.mu.Lock()
	s.dirty = err != nil
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to persist state, continuing in memory")
	}
}

// reload replaces the in-memory snapshot with the persisted one unless the
// last save failed. Callers hold scanMu.
func (s *Service) reload(ctx context.Context) {
	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if dirty {
		return
	}

	snap, err := s.deps.State.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reload state failed, using in-memory copy")
		return
	}
	s.mu.Lock()
	s.states = snap.States
	s.meta = snap.Meta
	s.subscribers = snap.Subscribers
	s.mu.Unlock()
}

func (s *Service) recordAlerts(ctx context.Context, trigger string, alerts []engine.Alert) {
	if s.deps.Alerts == nil {
		return
	}
	now := s.now()
	for _, a := range alerts {
		if err := s.deps.Alerts.InsertAlert(ctx, storage.NewAlertRecord(a, trigger, now)); err != nil {
			s.logger.Error().Err(err).Str("symbol", a.Symbol).Msg("failed to persist alert record")
		}
	}
}

func (s *Service) deliver(ctx context.Context, trigger string, alerts []engine.Alert) {
	for _, a := range alerts {
		s.logger.Info().
			Str("symbol", a.Symbol).
			Str("direction", string(a.Direction)).
			Float64("rate_pct", a.RatePct).
			Float64("level", a.Level).
			Str("trigger", trigger).
			Msg("grid alert")
		for _, n := range s.deps.Notifiers {
			if err := n.Notify(ctx, a); err != nil {
				s.logger.Warn().Err(err).Str("symbol", a.Symbol).Msg("failed to dispatch alert")
			}
		}
	}

	if trigger != TriggerScheduled || s.deps.Broadcaster == nil || len(alerts) == 0 {
		return
	}
	subscribers := s.Subscribers()
	if len(subscribers) == 0 {
		s.logger.Warn().Int("alerts", len(alerts)).Msg("no subscribers to deliver alerts to")
		return
	}
	for _, a := range alerts {
		res := s.deps.Broadcaster.Broadcast(ctx, subscribers, a.Text)
		s.deps.Metrics.AddDeliveryFailures(len(res.Failed))
		s.logger.Info().
			Str("symbol", a.Symbol).
			Str("direction", string(a.Direction)).
			Float64("level", a.Level).
			Int("delivered", res.Delivered).
			Int("failed", len(res.Failed)).
			Msg("alert broadcast")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Snapshot returns a deep copy of the current state, meta and subscribers.
func (s *Service) Snapshot() storage.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := storage.EmptySnapshot()
	for symbol, st := range s.states {
		snap.States[symbol] = st.Clone()
	}
	snap.Meta = s.meta
	snap.Subscribers = append([]string(nil), s.subscribers...)
	return snap
}

// Meta returns the last scan summary.
func (s *Service) Meta() storage.ScanMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Tracked is the number of symbols holding alert state.
func (s *Service) Tracked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Ready reports whether persisted state has been restored.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restored
}
