package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"funding-grid-alerts/internal/config"
)

// Backend bundles the stores selected by configuration. Alerts is nil unless
// a database DSN is configured. Locker is the PostgreSQL advisory lock when a
// DSN is set, otherwise the state store's own lock if it has one.
type Backend struct {
	State  StateStore
	Alerts AlertStore
	Locker AdvisoryLocker

	closers []func() error
}

// Open builds the configured state store and, when a DSN is present, the
// PostgreSQL alert history and scan lock.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Backend, error) {
	logger = logger.With().Str("component", "storage").Logger()
	b := &Backend{}

	var pg *Store
	if cfg.Database.DSN != "" {
		pool, err := NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		pg = NewStore(pool)
		b.closers = append(b.closers, func() error { pg.Close(); return nil })
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Alerts = pg
		b.Locker = pg
	}

	switch cfg.Store.Driver {
	case "file":
		b.State = NewFileStore(cfg.Store.Path)
	case "badger":
		bs, err := OpenBadgerStore(cfg.Store.Path)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.State = bs
		b.closers = append(b.closers, bs.Close)
	case "redis":
		rs, err := NewRedisStore(ctx, cfg.Store.Redis)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.State = rs
		b.closers = append(b.closers, rs.Close)
	case "postgres":
		if pg == nil {
			return nil, ErrNotConfigured
		}
		b.State = pg
	case "memory":
		mem := NewMemoryStore()
		b.State = mem
		if b.Alerts == nil {
			b.Alerts = mem
		}
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if b.Locker == nil {
		if l, ok := b.State.(AdvisoryLocker); ok {
			b.Locker = l
		}
	}

	logger.Info().
		Str("driver", cfg.Store.Driver).
		Bool("alert_history", b.Alerts != nil).
		Bool("advisory_lock", b.Locker != nil).
		Msg("storage ready")
	return b, nil
}

// Close releases every opened resource in reverse order.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
