package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthd/hearthd/pkg/types"
)

// PriceFeed is the capability contract the finance agent consumes.
type PriceFeed interface {
	Connector
	Quote(ctx context.Context, ticker string) (types.Price, error)
}

const (
	// priceRateInterval respects upstream quote API limits.
	priceRateInterval = 500 * time.Millisecond
	// priceStaleAfter marks the feed degraded once the table is older
	// than this.
	priceStaleAfter = time.Hour
)

// FilePriceFeed serves quotes from a JSON table on disk, reloaded on
// every quote when the file changes. It stands in for a market-data
// API adapter behind the same capability contract.
type FilePriceFeed struct {
	path    string
	limiter *limiter
	started atomic.Bool

	mu       sync.RWMutex
	prices   map[string]float64
	loadedAt time.Time
	modTime  time.Time
}

// NewFilePriceFeed creates a price feed backed by the JSON table at path.
func NewFilePriceFeed(path string) *FilePriceFeed {
	return &FilePriceFeed{
		path:    path,
		limiter: newLimiter(priceRateInterval),
		prices:  make(map[string]float64),
	}
}

func (f *FilePriceFeed) Name() string { return "pricefeed" }

func (f *FilePriceFeed) Start(_ context.Context) error {
	if err := f.reload(); err != nil {
		return err
	}
	f.started.Store(true)
	return nil
}

func (f *FilePriceFeed) Stop() error {
	f.started.Store(false)
	return nil
}

func (f *FilePriceFeed) Health() types.ConnectorHealth {
	if !f.started.Load() {
		return types.ConnectorUnhealthy
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Since(f.loadedAt) > priceStaleAfter {
		return types.ConnectorDegraded
	}
	return types.ConnectorHealthy
}

// Quote returns the current price for ticker.
func (f *FilePriceFeed) Quote(ctx context.Context, ticker string) (types.Price, error) {
	release, err := f.limiter.wait(ctx)
	if err != nil {
		return types.Price{}, err
	}
	defer release()

	if err := f.reloadIfChanged(); err != nil {
		return types.Price{}, err
	}

	f.mu.RLock()
	value, ok := f.prices[ticker]
	asOf := f.loadedAt
	f.mu.RUnlock()
	if !ok {
		return types.Price{}, fmt.Errorf("no quote for ticker %q", ticker)
	}
	return types.Price{Ticker: ticker, Value: value, AsOf: asOf}, nil
}

func (f *FilePriceFeed) reloadIfChanged() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("failed to stat price table: %w", err)
	}
	f.mu.RLock()
	unchanged := info.ModTime().Equal(f.modTime)
	f.mu.RUnlock()
	if unchanged {
		return nil
	}
	return f.reload()
}

func (f *FilePriceFeed) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read price table: %w", err)
	}
	prices := make(map[string]float64)
	if err := json.Unmarshal(data, &prices); err != nil {
		return fmt.Errorf("failed to parse price table: %w", err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("failed to stat price table: %w", err)
	}

	f.mu.Lock()
	f.prices = prices
	f.loadedAt = time.Now()
	f.modTime = info.ModTime()
	f.mu.Unlock()
	return nil
}
