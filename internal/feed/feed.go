// Package feed provides read-only access to an ordered OHLCV bar series.
// A Feed is never mutated after construction and may be shared by
// concurrent backtests.
package feed

import (
	"fmt"
	"time"

	"quantlab/internal/domain"
)

// Feed is an immutable, ascending sequence of bars for one symbol and interval.
type Feed struct {
	symbol   string
	interval string
	bars     []domain.Bar
}

// New validates and copies bars into a Feed. Bars must be strictly ascending
// by timestamp; gaps are allowed.
func New(symbol, interval string, bars []domain.Bar) (*Feed, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrEmptyFeed, symbol, interval)
	}
	cp := make([]domain.Bar, len(bars))
	copy(cp, bars)
	for i := range cp {
		if cp[i].Symbol == "" {
			cp[i].Symbol = symbol
		}
		if i > 0 && !cp[i].Timestamp.After(cp[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: bar %d at %s is not after bar %d at %s",
				domain.ErrInvalidConfig, i, cp[i].Timestamp.Format(time.RFC3339),
				i-1, cp[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return &Feed{symbol: symbol, interval: interval, bars: cp}, nil
}

// Symbol returns the feed's symbol.
func (f *Feed) Symbol() string { return f.symbol }

// Interval returns the feed's bar interval label (e.g. "1d", "1h").
func (f *Feed) Interval() string { return f.interval }

// Len returns the number of bars.
func (f *Feed) Len() int { return len(f.bars) }

// At returns bar i. It panics if i is out of range, like a slice index.
func (f *Feed) At(i int) domain.Bar { return f.bars[i] }

// First returns the first bar.
func (f *Feed) First() domain.Bar { return f.bars[0] }

// Last returns the last bar.
func (f *Feed) Last() domain.Bar { return f.bars[len(f.bars)-1] }

// Lookback returns up to n bars ending at (and including) bar i, oldest
// first. Near the start of the series fewer than n bars are returned. The
// result is a copy.
func (f *Feed) Lookback(i, n int) []domain.Bar {
	if n <= 0 || i < 0 {
		return nil
	}
	if i >= len(f.bars) {
		i = len(f.bars) - 1
	}
	lo := i - n + 1
	if lo < 0 {
		lo = 0
	}
	out := make([]domain.Bar, i-lo+1)
	copy(out, f.bars[lo:i+1])
	return out
}

// Closes returns up to n close prices ending at bar i, oldest first.
func (f *Feed) Closes(i, n int) []float64 {
	bars := f.Lookback(i, n)
	out := make([]float64, len(bars))
	for k, b := range bars {
		out[k] = b.Close
	}
	return out
}

// Between returns a new Feed restricted to bars within [start, end].
func (f *Feed) Between(start, end time.Time) (*Feed, error) {
	var sel []domain.Bar
	for _, b := range f.bars {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		sel = append(sel, b)
	}
	return New(f.symbol, f.interval, sel)
}
