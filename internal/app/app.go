package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"funding-grid-alerts/internal/alerting"
	"funding-grid-alerts/internal/config"
	"funding-grid-alerts/internal/engine"
	"funding-grid-alerts/internal/fetcher"
	"funding-grid-alerts/internal/httpserver"
	"funding-grid-alerts/internal/metrics"
	"funding-grid-alerts/internal/scheduler"
	"funding-grid-alerts/internal/service"
	"funding-grid-alerts/internal/storage"
	"funding-grid-alerts/internal/telegram"
)

var errScanBusy = errors.New("another process holds the scan lock; try again shortly")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newEngine() *engine.Engine {
	return engine.New(a.Config.Grid.Levels())
}

func (a *App) newREST() *fetcher.BinanceREST {
	s := a.Config.Sampler
	return fetcher.NewBinanceREST(fetcher.RESTOptions{
		BaseURL:     s.BaseURL,
		QuoteAsset:  s.QuoteAsset,
		Symbols:     s.Symbols,
		Concurrency: s.Concurrency,
		Timeout:     s.RequestTimeout,
		UserAgent:   s.UserAgent,
	}, a.Logger)
}

// newSampler returns the configured sampler. The stream sampler is returned
// separately because it needs its own goroutine.
func (a *App) newSampler(rest *fetcher.BinanceREST) (fetcher.Sampler, *fetcher.BinanceStream) {
	if a.Config.Sampler.Mode != "stream" {
		return rest, nil
	}
	stream := fetcher.NewBinanceStream(fetcher.StreamOptions{
		URL:        a.Config.Sampler.StreamURL,
		QuoteAsset: a.Config.Sampler.QuoteAsset,
		StaleAfter: a.Config.Sampler.StaleAfter,
	}, a.Logger)
	return stream, stream
}

func (a *App) newTelegramClient() *telegram.Client {
	cfg := a.Config.Telegram
	if !cfg.Enabled {
		return nil
	}
	return telegram.NewClient(telegram.Options{
		Token:          cfg.BotToken,
		APIBase:        cfg.APIBase,
		RequestTimeout: cfg.RequestTimeout,
		PollTimeout:    cfg.PollTimeout,
	}, a.Logger)
}

func (a *App) newBroadcaster(client *telegram.Client) *alerting.Broadcaster {
	return alerting.NewBroadcaster(client, a.Config.Telegram.RequestTimeout, a.Logger)
}

func (a *App) newNotifiers() ([]alerting.Notifier, func(), error) {
	if !a.Config.NATS.Enabled {
		return nil, func() {}, nil
	}
	pub, err := alerting.ConnectNATS(a.Config.NATS.URL, a.Config.NATS.Subject, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := pub.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("nats drain failed")
		}
	}
	return []alerting.Notifier{pub}, closer, nil
}

func (a *App) openBackend(ctx context.Context) (*storage.Backend, func(), error) {
	backend, err := storage.Open(ctx, a.Config, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := backend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("closing storage failed")
		}
	}
	return backend, closer, nil
}

// newOneShotService builds a service for CLI commands that never schedule or broadcast.
func (a *App) newOneShotService(backend *storage.Backend) *service.Service {
	rest := a.newREST()
	return service.New(a.Config, service.Deps{
		Engine:   a.newEngine(),
		Sampler:  rest,
		Universe: rest,
		State:    backend.State,
		Alerts:   backend.Alerts,
		Locker:   backend.Locker,
	}, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, closeBackend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()
	if backend.Alerts == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert history disabled")
	}

	notifiers, closeNotifiers, err := a.newNotifiers()
	if err != nil {
		return err
	}
	defer closeNotifiers()

	rest := a.newREST()
	sampler, stream := a.newSampler(rest)
	tg := a.newTelegramClient()
	m := metrics.New()

	sched := scheduler.New(scheduler.Options{
		Name:         "scan",
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	var maintenance *scheduler.Scheduler
	if a.Config.Scheduler.UniverseRefresh > 0 {
		maintenance = scheduler.New(scheduler.Options{
			Name:      "maintenance",
			Interval:  a.Config.Scheduler.UniverseRefresh,
			Immediate: true,
		}, a.Logger)
	}

	deps := service.Deps{
		Engine:      a.newEngine(),
		Sampler:     sampler,
		State:       backend.State,
		Alerts:      backend.Alerts,
		Locker:      backend.Locker,
		Notifiers:   notifiers,
		Metrics:     m,
		Scheduler:   sched,
		Maintenance: maintenance,
	}
	if tg != nil {
		deps.Broadcaster = a.newBroadcaster(tg)
	}
	if stream == nil {
		deps.Universe = rest
	}
	svc := service.New(a.Config, deps, a.Logger)

	if err := svc.Restore(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(svc.Run(gctx)) })
	if stream != nil {
		g.Go(func() error { return ignoreCanceled(stream.Run(gctx)) })
	}
	if tg != nil {
		if me, err := tg.GetMe(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("telegram getMe failed")
		} else {
			a.Logger.Info().Str("bot", me.Username).Msg("telegram bot authorised")
		}
		bot := telegram.NewBot(tg, svc, a.Logger)
		g.Go(func() error { return ignoreCanceled(bot.Run(gctx)) })
	} else {
		a.Logger.Warn().Msg("telegram disabled; alerts will only be logged")
	}
	if a.Config.HTTP.Enabled {
		srv := httpserver.New(a.Config.HTTP.Addr, svc, m.Handler(), a.Logger)
		g.Go(func() error { return ignoreCanceled(srv.Run(gctx)) })
	}

	a.Logger.Info().
		Str("sampler", a.Config.Sampler.Mode).
		Str("store", a.Config.Store.Driver).
		Dur("interval", a.Config.Scheduler.Interval).
		Msg("starting monitoring service")

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Scan runs one out-of-band scan against the persisted state and prints the
// resulting alerts. Nothing is broadcast. The scan holds the same lock as the
// daemon's scheduled scans, so it fails rather than racing a running instance.
func (a *App) Scan(ctx context.Context) error {
	backend, closeBackend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()

	svc := a.newOneShotService(backend)
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	res, err := svc.ScanNow(ctx)
	if err != nil {
		return err
	}
	if res.Skipped {
		return errScanBusy
	}
	fmt.Fprintln(a.Out, service.RenderScanReply(res))
	a.Logger.Info().
		Int("evaluated", res.Evaluated).
		Int("fetch_errors", len(res.FetchErrors)).
		Int("alerts", len(res.Alerts)).
		Dur("took", res.Duration).
		Msg("scan finished")
	return nil
}

// Status prints the persisted scan summary.
func (a *App) Status(ctx context.Context) error {
	backend, closeBackend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()

	svc := a.newOneShotService(backend)
	if err := svc.Restore(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.Out, svc.RenderStatus())
	return nil
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Symbol string
	Rates  []float64
	Step   time.Duration
	Notify bool
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	Symbol string
	From   time.Time
	To     time.Time
	Record bool
}
