package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"funding-grid-alerts/internal/engine"
)

const markPriceStream = "/ws/!markPrice@arr@1s"

// StreamOptions parameterise the mark price stream sampler.
type StreamOptions struct {
	URL        string
	QuoteAsset string
	StaleAfter time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// BinanceStream keeps the latest funding rate per symbol from the all-market
// mark price stream; FetchSnapshot reads that cache.
type BinanceStream struct {
	opts   StreamOptions
	logger zerolog.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	mu        sync.RWMutex
	latest    map[string]engine.Sample
	connected bool
	lastErr   error
}

// NewBinanceStream constructs a stream sampler. Call Run to start consuming.
func NewBinanceStream(opts StreamOptions, logger zerolog.Logger) *BinanceStream {
	if opts.URL == "" {
		opts.URL = "wss://fstream.binance.com" + markPriceStream
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Minute
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Second
	}
	return &BinanceStream{
		opts:   opts,
		logger: logger.With().Str("component", "binance_stream").Logger(),
		dialer: websocket.DefaultDialer,
		now:    time.Now,
		latest: make(map[string]engine.Sample),
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting with backoff.
// The backoff restarts from MinBackoff after any connection that was established.
func (s *BinanceStream) Run(ctx context.Context) error {
	var backoff time.Duration
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wasConnected := s.Connected()
		s.setConnected(false, err)
		backoff = s.retryDelay(backoff, wasConnected)
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("mark price stream disconnected")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *BinanceStream) retryDelay(prev time.Duration, wasConnected bool) time.Duration {
	if wasConnected || prev <= 0 {
		return s.opts.MinBackoff
	}
	next := time.Duration(float64(prev) * 1.5)
	if next > s.opts.MaxBackoff {
		next = s.opts.MaxBackoff
	}
	return next
}

func (s *BinanceStream) consume(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.setConnected(true, nil)
	s.logger.Info().Str("url", s.opts.URL).Msg("mark price stream connected")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if err := s.ingest(payload); err != nil {
			s.logger.Debug().Err(err).Msg("skip undecodable stream frame")
		}
	}
}

func (s *BinanceStream) ingest(payload []byte) error {
	var updates []markPriceUpdate
	if err := json.Unmarshal(payload, &updates); err != nil {
		var single markPriceUpdate
		if errSingle := json.Unmarshal(payload, &single); errSingle != nil {
			return err
		}
		updates = []markPriceUpdate{single}
	}

	quote := strings.ToUpper(strings.TrimSpace(s.opts.QuoteAsset))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if u.Symbol == "" || (quote != "" && !strings.HasSuffix(u.Symbol, quote)) {
			continue
		}
		rate, err := toPercent(u.FundingRate)
		if err != nil {
			continue
		}
		observed := s.now().UTC()
		if u.EventTime > 0 {
			observed = time.UnixMilli(u.EventTime).UTC()
		}
		s.latest[u.Symbol] = engine.Sample{
			Symbol:      u.Symbol,
			RatePct:     rate,
			ObservedAt:  observed,
			NextEventAt: millisPtr(u.NextFundingTime),
		}
	}
	return nil
}

// FetchSnapshot returns cached samples. Entries older than StaleAfter are
// reported as per-symbol errors instead of samples. When every entry is stale
// the snapshot is returned together with ErrStreamStale.
func (s *BinanceStream) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	now := s.now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.latest) == 0 {
		if s.lastErr != nil {
			return Snapshot{}, fmt.Errorf("stream has no data: %w", s.lastErr)
		}
		return Snapshot{}, ErrNoSymbols
	}

	snap := Snapshot{FetchedAt: now}
	symbols := make([]string, 0, len(s.latest))
	for symbol := range s.latest {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		sample := s.latest[symbol]
		if age := now.Sub(sample.ObservedAt); age > s.opts.StaleAfter {
			snap.Errors = append(snap.Errors, FetchError{Symbol: symbol, Message: fmt.Sprintf("stale for %s", age.Round(time.Second))})
			continue
		}
		snap.Samples = append(snap.Samples, sample)
	}
	if len(snap.Samples) == 0 {
		if s.lastErr != nil {
			return snap, fmt.Errorf("%w: all %d symbols: %w", ErrStreamStale, len(snap.Errors), s.lastErr)
		}
		return snap, fmt.Errorf("%w: all %d symbols", ErrStreamStale, len(snap.Errors))
	}
	return snap, nil
}

// Connected reports whether the stream currently holds a live connection.
func (s *BinanceStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *BinanceStream) setConnected(connected bool, err error) {
	s.mu.Lock()
	s.connected = connected
	s.lastErr = err
	s.mu.Unlock()
}

type markPriceUpdate struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

var _ Sampler = (*BinanceStream)(nil)
