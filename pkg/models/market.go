package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the most recent observed price for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Ticker is a single mini-ticker update from the market data stream.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Timestamp time.Time
}

// NormalizeSymbol upper-cases and trims a user supplied trading pair.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SymbolSet is the fixed set of tradable pairs.
type SymbolSet struct {
	symbols []string
	index   map[string]struct{}
}

func NewSymbolSet(symbols []string) SymbolSet {
	set := SymbolSet{index: make(map[string]struct{}, len(symbols))}
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, dup := set.index[s]; dup {
			continue
		}
		set.index[s] = struct{}{}
		set.symbols = append(set.symbols, s)
	}
	return set
}

func (s SymbolSet) Contains(symbol string) bool {
	_, ok := s.index[NormalizeSymbol(symbol)]
	return ok
}

func (s SymbolSet) List() []string {
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

func (s SymbolSet) Len() int {
	return len(s.symbols)
}
