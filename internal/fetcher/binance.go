package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding-grid-alerts/internal/engine"
)

const (
	premiumIndexPath = "/fapi/v1/premiumIndex"
	exchangeInfoPath = "/fapi/v1/exchangeInfo"
	fundingRatePath  = "/fapi/v1/fundingRate"

	historyPageLimit = 1000
)

var hundred = decimal.NewFromInt(100)

// RESTOptions parameterise the Binance USD-M futures REST sampler.
type RESTOptions struct {
	BaseURL     string
	QuoteAsset  string
	Symbols     []string
	Concurrency int
	Timeout     time.Duration
	UserAgent   string
}

// BinanceREST samples funding rates one symbol at a time with bounded concurrency.
type BinanceREST struct {
	opts   RESTOptions
	logger zerolog.Logger
	client *resty.Client
	now    func() time.Time

	mu      sync.RWMutex
	symbols []string
}

// NewBinanceREST constructs a REST sampler. Static symbols, when configured,
// seed the universe and are never replaced by a refresh.
func NewBinanceREST(opts RESTOptions, logger zerolog.Logger) *BinanceREST {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "fundingwatcher/1.0"
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)

	return &BinanceREST{
		opts:    opts,
		logger:  logger.With().Str("component", "binance_rest").Logger(),
		client:  client,
		now:     time.Now,
		symbols: normalizeSymbols(opts.Symbols),
	}
}

// Symbols returns the current universe.
func (b *BinanceREST) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.symbols))
	copy(out, b.symbols)
	return out
}

// RefreshUniverse loads perpetual contracts in TRADING status for the quote asset.
func (b *BinanceREST) RefreshUniverse(ctx context.Context) (int, error) {
	if len(b.opts.Symbols) > 0 {
		return len(b.Symbols()), nil
	}

	var info exchangeInfoResponse
	resp, err := b.client.R().SetContext(ctx).SetResult(&info).Get(exchangeInfoPath)
	if err != nil {
		return 0, fmt.Errorf("fetch exchange info: %w", err)
	}
	if resp.IsError() {
		return 0, parseHTTPError(resp.StatusCode(), resp.Body())
	}

	quote := strings.ToUpper(strings.TrimSpace(b.opts.QuoteAsset))
	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.Status != "TRADING" {
			continue
		}
		if quote != "" && s.QuoteAsset != quote {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	sort.Strings(symbols)

	b.mu.Lock()
	b.symbols = symbols
	b.mu.Unlock()

	b.logger.Info().Int("symbols", len(symbols)).Str("quote", quote).Msg("symbol universe refreshed")
	return len(symbols), nil
}

// FetchSnapshot fetches every symbol's premium index. Individual failures are
// reported in Snapshot.Errors; only an empty universe or a cancelled context
// fails the whole pass.
func (b *BinanceREST) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	symbols := b.Symbols()
	if len(symbols) == 0 {
		if _, err := b.RefreshUniverse(ctx); err != nil {
			return Snapshot{}, err
		}
		symbols = b.Symbols()
		if len(symbols) == 0 {
			return Snapshot{}, ErrNoSymbols
		}
	}

	samples := make([]*engine.Sample, len(symbols))
	failures := make([]error, len(symbols))

	var g errgroup.Group
	g.SetLimit(b.opts.Concurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			sample, err := b.fetchSymbol(ctx, symbol)
			if err != nil {
				failures[i] = err
				return nil
			}
			samples[i] = &sample
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{FetchedAt: b.now().UTC()}
	for i, symbol := range symbols {
		if failures[i] != nil {
			snap.Errors = append(snap.Errors, FetchError{Symbol: symbol, Message: failures[i].Error()})
			continue
		}
		snap.Samples = append(snap.Samples, *samples[i])
	}

	if len(snap.Samples) == 0 && len(snap.Errors) > 0 {
		return snap, fmt.Errorf("all %d symbols failed, first: %s", len(snap.Errors), snap.Errors[0].Message)
	}
	return snap, nil
}

func (b *BinanceREST) fetchSymbol(ctx context.Context, symbol string) (engine.Sample, error) {
	var idx premiumIndex
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&idx).
		Get(premiumIndexPath)
	if err != nil {
		return engine.Sample{}, err
	}
	if resp.IsError() {
		return engine.Sample{}, parseHTTPError(resp.StatusCode(), resp.Body())
	}
	return idx.sample(b.now().UTC())
}

// FetchHistory pages through settled funding rates in [from, to).
func (b *BinanceREST) FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]FundingPoint, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	points := make([]FundingPoint, 0)
	cursor := from.UTC()
	for cursor.Before(to) {
		var page []fundingRateEntry
		resp, err := b.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol":    symbol,
				"startTime": fmt.Sprintf("%d", cursor.UnixMilli()),
				"endTime":   fmt.Sprintf("%d", to.UTC().UnixMilli()-1),
				"limit":     fmt.Sprintf("%d", historyPageLimit),
			}).
			SetResult(&page).
			Get(fundingRatePath)
		if err != nil {
			return nil, fmt.Errorf("fetch funding history: %w", err)
		}
		if resp.IsError() {
			return nil, parseHTTPError(resp.StatusCode(), resp.Body())
		}
		if len(page) == 0 {
			break
		}

		for _, entry := range page {
			rate, err := toPercent(entry.FundingRate)
			if err != nil {
				return nil, fmt.Errorf("parse funding rate: %w", err)
			}
			points = append(points, FundingPoint{
				Symbol:  entry.Symbol,
				RatePct: rate,
				Time:    time.UnixMilli(entry.FundingTime).UTC(),
			})
		}

		last := time.UnixMilli(page[len(page)-1].FundingTime).UTC()
		if len(page) < historyPageLimit || !last.After(cursor) {
			break
		}
		cursor = last.Add(time.Millisecond)
	}
	return points, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		ContractType string `json:"contractType"`
		Status       string `json:"status"`
		QuoteAsset   string `json:"quoteAsset"`
	} `json:"symbols"`
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (p premiumIndex) sample(fallback time.Time) (engine.Sample, error) {
	rate, err := toPercent(p.LastFundingRate)
	if err != nil {
		return engine.Sample{}, fmt.Errorf("parse funding rate for %s: %w", p.Symbol, err)
	}
	observed := fallback
	if p.Time > 0 {
		observed = time.UnixMilli(p.Time).UTC()
	}
	return engine.Sample{
		Symbol:      p.Symbol,
		RatePct:     rate,
		ObservedAt:  observed,
		NextEventAt: millisPtr(p.NextFundingTime),
	}, nil
}

type fundingRateEntry struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// toPercent converts a raw fraction such as "-0.00375" into percent units.
func toPercent(raw string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	return d.Mul(hundred).InexactFloat64(), nil
}

func millisPtr(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Msg != "" {
		return fmt.Errorf("binance api error (%d): %d %s", status, apiErr.Code, apiErr.Msg)
	}
	if len(payload) > 0 {
		return fmt.Errorf("binance api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("binance api error (%d)", status)
}

var (
	_ Sampler           = (*BinanceREST)(nil)
	_ UniverseRefresher = (*BinanceREST)(nil)
	_ HistoryFetcher    = (*BinanceREST)(nil)
)
