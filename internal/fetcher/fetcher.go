package fetcher

import (
	"context"
	"errors"
	"time"

	"funding-grid-alerts/internal/engine"
)

// ErrNoSymbols indicates the symbol universe has not been loaded yet.
var ErrNoSymbols = errors.New("fetcher: symbol universe is empty")

// ErrStreamStale indicates the stream cache holds no sample younger than its
// staleness limit.
var ErrStreamStale = errors.New("fetcher: stream data is stale")

// FetchError records a single symbol that could not be sampled.
type FetchError struct {
	Symbol  string
	Message string
}

// Snapshot is the result of one sampling pass.
type Snapshot struct {
	Samples   []engine.Sample
	Errors    []FetchError
	FetchedAt time.Time
}

// Sampler yields the latest funding rate for every tracked symbol it could reach.
// A returned error means the whole pass failed.
type Sampler interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// UniverseRefresher reloads the list of tracked symbols.
type UniverseRefresher interface {
	RefreshUniverse(ctx context.Context) (int, error)
}

// FundingPoint is one settled historical funding rate.
type FundingPoint struct {
	Symbol  string
	RatePct float64
	Time    time.Time
}

// HistoryFetcher reads settled funding history.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]FundingPoint, error)
}
