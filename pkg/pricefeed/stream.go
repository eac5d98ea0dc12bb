package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Latest is satisfied by binance.Stream.
type Latest interface {
	Latest(symbol string) (decimal.Decimal, time.Time, bool)
}

// StreamSource serves prices pushed by a websocket stream as a Source, so the
// cache can run on the stream instead of polling REST.
type StreamSource struct {
	stream Latest
	maxAge time.Duration
	now    func() time.Time
}

func NewStreamSource(stream Latest, maxAge time.Duration) *StreamSource {
	return &StreamSource{stream: stream, maxAge: maxAge, now: time.Now}
}

func (s *StreamSource) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	price, at, ok := s.stream.Latest(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("no ticker received for %s", symbol)
	}
	if s.maxAge > 0 && s.now().Sub(at) > s.maxAge {
		return decimal.Zero, fmt.Errorf("ticker for %s is stale since %s", symbol, at.Format(time.RFC3339))
	}
	return price, nil
}
