package pricefeed

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/papertrade/pkg/metrics"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	errs   map[string]error
	delay  map[string]time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prices: make(map[string]decimal.Decimal),
		errs:   make(map[string]error),
		delay:  make(map[string]time.Duration),
	}
}

func (f *fakeSource) set(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = decimal.RequireFromString(price)
	delete(f.errs, symbol)
}

func (f *fakeSource) fail(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[symbol] = err
}

func (f *fakeSource) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	price, err, delay := f.prices[symbol], f.errs[symbol], f.delay[symbol]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func newTestCache(src Source, opts Options) (*Cache, *metrics.Metrics) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.NewNop()
	symbols := models.NewSymbolSet([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	return NewCache(src, symbols, opts, logger, m), m
}

func TestRefreshUpdatesSnapshot(t *testing.T) {
	src := newFakeSource()
	src.set("BTCUSDT", "50000")
	src.set("ETHUSDT", "3000")
	src.fail("SOLUSDT", errors.New("unreachable"))

	c, m := newTestCache(src, Options{})
	_, ok := c.Price("BTCUSDT")
	assert.False(t, ok, "empty before first refresh")

	results := c.Refresh(context.Background())
	require.Len(t, results, 3)

	byOutcome := map[Outcome]int{}
	for _, r := range results {
		byOutcome[r.Outcome]++
	}
	assert.Equal(t, 2, byOutcome[Updated])
	assert.Equal(t, 1, byOutcome[KeptStale])

	price, ok := c.Price("btcusdt")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(50000)))

	_, ok = c.Get("SOLUSDT")
	assert.False(t, ok, "never observed symbol stays absent")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PriceFetches.WithLabelValues("SOLUSDT", string(KeptStale))))
}

func TestFailedFetchKeepsPreviousValue(t *testing.T) {
	src := newFakeSource()
	src.set("BTCUSDT", "50000")
	src.set("ETHUSDT", "3000")
	src.set("SOLUSDT", "100")

	c, _ := newTestCache(src, Options{})
	c.Refresh(context.Background())
	first, _ := c.Get("BTCUSDT")

	src.fail("BTCUSDT", errors.New("timeout"))
	src.set("ETHUSDT", "0")
	src.set("SOLUSDT", "101")
	results := c.Refresh(context.Background())

	for _, r := range results {
		switch r.Symbol {
		case "BTCUSDT":
			assert.Equal(t, KeptStale, r.Outcome)
		case "ETHUSDT":
			assert.Equal(t, KeptStale, r.Outcome)
			var invalid *InvalidPriceError
			assert.True(t, errors.As(r.Err, &invalid))
		case "SOLUSDT":
			assert.Equal(t, Updated, r.Outcome)
		}
	}

	btc, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.True(t, btc.Price.Equal(first.Price))
	assert.Equal(t, first.UpdatedAt, btc.UpdatedAt)

	eth, _ := c.Price("ETHUSDT")
	assert.True(t, eth.Equal(decimal.NewFromInt(3000)))
	sol, _ := c.Price("SOLUSDT")
	assert.True(t, sol.Equal(decimal.NewFromInt(101)))
}

func TestSlowFetchTimesOut(t *testing.T) {
	src := newFakeSource()
	src.set("BTCUSDT", "50000")
	src.set("ETHUSDT", "3000")
	src.set("SOLUSDT", "100")
	src.delay["BTCUSDT"] = time.Second

	c, _ := newTestCache(src, Options{FetchTimeout: 20 * time.Millisecond})
	start := time.Now()
	c.Refresh(context.Background())

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	_, ok := c.Price("BTCUSDT")
	assert.False(t, ok)
	_, ok = c.Price("ETHUSDT")
	assert.True(t, ok)
}

func TestSnapshotIsReplacedNotMutated(t *testing.T) {
	src := newFakeSource()
	src.set("BTCUSDT", "1")
	src.set("ETHUSDT", "2")
	src.set("SOLUSDT", "3")

	c, _ := newTestCache(src, Options{Concurrency: 1})
	c.Refresh(context.Background())
	before := c.Snapshot()

	src.set("BTCUSDT", "10")
	c.Refresh(context.Background())

	assert.True(t, before["BTCUSDT"].Price.Equal(decimal.NewFromInt(1)))
	assert.True(t, c.Snapshot()["BTCUSDT"].Price.Equal(decimal.NewFromInt(10)))
}

func TestConcurrentReadsDuringRefresh(t *testing.T) {
	src := newFakeSource()
	src.set("BTCUSDT", "1")
	src.set("ETHUSDT", "2")
	src.set("SOLUSDT", "3")
	c, _ := newTestCache(src, Options{})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.Price("BTCUSDT")
					_ = len(c.Snapshot())
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		c.Refresh(context.Background())
	}
	close(stop)
	wg.Wait()
}

func TestTask(t *testing.T) {
	c, _ := newTestCache(newFakeSource(), Options{})
	task := c.Task(5 * time.Second)
	assert.Equal(t, "price-refresh", task.Name)
	assert.Equal(t, 5*time.Second, task.Interval)
	assert.True(t, task.RunOnStart)
	require.NoError(t, task.Run(context.Background()))
}

type fakeLatest struct {
	price decimal.Decimal
	at    time.Time
	ok    bool
}

func (f fakeLatest) Latest(string) (decimal.Decimal, time.Time, bool) {
	return f.price, f.at, f.ok
}

func TestStreamSource(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	s := NewStreamSource(fakeLatest{}, time.Minute)
	_, err := s.GetPrice(ctx, "BTCUSDT")
	require.Error(t, err)

	s = NewStreamSource(fakeLatest{price: decimal.NewFromInt(42), at: now.Add(-2 * time.Minute), ok: true}, time.Minute)
	s.now = func() time.Time { return now }
	_, err = s.GetPrice(ctx, "BTCUSDT")
	require.Error(t, err, "stale tick")

	s = NewStreamSource(fakeLatest{price: decimal.NewFromInt(42), at: now.Add(-time.Second), ok: true}, time.Minute)
	s.now = func() time.Time { return now }
	price, err := s.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(42)))
}
