// Package pricefeed keeps the latest observed price of every supported symbol.
//
// Readers never block: the snapshot is immutable and replaced wholesale after
// each refresh, so a reader sees either the old or the new map, never a mix.
package pricefeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gregtusar/papertrade/pkg/metrics"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/scheduler"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Source interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Snapshot maps a symbol to its last successful quote. Absent means never
// observed. Snapshots are shared between readers and must not be modified.
type Snapshot map[string]models.Quote

type Outcome string

const (
	Updated   Outcome = "updated"
	KeptStale Outcome = "kept_stale"
)

type FetchResult struct {
	Symbol  string
	Price   decimal.Decimal
	Err     error
	Outcome Outcome
}

type Options struct {
	FetchTimeout time.Duration
	// Concurrency caps in-flight fetches per refresh. Zero means one per symbol.
	Concurrency int
}

type Cache struct {
	source  Source
	symbols models.SymbolSet
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	snapshot atomic.Pointer[Snapshot]
}

func NewCache(source Source, symbols models.SymbolSet, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Cache {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = symbols.Len()
	}
	c := &Cache{
		source:  source,
		symbols: symbols,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	empty := Snapshot{}
	c.snapshot.Store(&empty)
	return c
}

func (c *Cache) Symbols() models.SymbolSet {
	return c.symbols
}

// Refresh fetches every supported symbol and swaps in a new snapshot. Failed
// fetches keep the previous value; they are reported in the results only.
func (c *Cache) Refresh(ctx context.Context) []FetchResult {
	symbols := c.symbols.List()
	results := make([]FetchResult, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			results[i] = c.fetch(gctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	old := c.Snapshot()
	next := make(Snapshot, len(old)+len(results))
	for symbol, q := range old {
		next[symbol] = q
	}
	now := c.now().UTC()
	for _, r := range results {
		c.metrics.PriceFetches.WithLabelValues(r.Symbol, string(r.Outcome)).Inc()
		if r.Outcome != Updated {
			c.logger.WithError(r.Err).WithField("symbol", r.Symbol).Debug("Price fetch failed, keeping previous value")
			continue
		}
		next[r.Symbol] = models.Quote{Symbol: r.Symbol, Price: r.Price, UpdatedAt: now}
	}
	c.snapshot.Store(&next)
	return results
}

func (c *Cache) fetch(ctx context.Context, symbol string) FetchResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	price, err := c.source.GetPrice(ctx, symbol)
	if err == nil && !price.IsPositive() {
		err = &InvalidPriceError{Symbol: symbol, Price: price}
	}
	if err != nil {
		return FetchResult{Symbol: symbol, Err: err, Outcome: KeptStale}
	}
	return FetchResult{Symbol: symbol, Price: price, Outcome: Updated}
}

func (c *Cache) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

func (c *Cache) Get(symbol string) (models.Quote, bool) {
	q, ok := c.Snapshot()[models.NormalizeSymbol(symbol)]
	return q, ok
}

func (c *Cache) Price(symbol string) (decimal.Decimal, bool) {
	q, ok := c.Get(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return q.Price, true
}

// Task refreshes the cache every interval, starting immediately.
func (c *Cache) Task(interval time.Duration) scheduler.Task {
	return scheduler.Task{
		Name:       "price-refresh",
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			c.Refresh(ctx)
			return nil
		},
	}
}

type InvalidPriceError struct {
	Symbol string
	Price  decimal.Decimal
}

func (e *InvalidPriceError) Error() string {
	return "non-positive price " + e.Price.String() + " for " + e.Symbol
}
