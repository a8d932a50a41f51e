package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"quantlab/internal/domain"
)

// csvTimeLayouts are the timestamp formats accepted by ReadBarsCSV, tried in
// order. Pure integers are read as Unix seconds, or milliseconds when they
// have more than ten digits.
var csvTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ReadBarsCSV parses bars from CSV with a header naming the columns
// timestamp (or date/time), open, high, low, close and volume in any order.
// Column names are case-insensitive; extra columns are ignored; volume is
// optional.
func ReadBarsCSV(r io.Reader, symbol string) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrEmptyFeed
		}
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	col := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		switch name {
		case "date", "time", "datetime":
			name = "timestamp"
		}
		col[name] = i
	}
	for _, need := range []string{"timestamp", "open", "high", "low", "close"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("%w: csv is missing column %q", domain.ErrInvalidConfig, need)
		}
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line, err)
		}
		b := domain.Bar{Symbol: symbol}
		if b.Timestamp, err = parseCSVTime(rec[col["timestamp"]]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
		}
		for _, f := range fields {
			i, ok := col[f.name]
			if !ok {
				continue
			}
			if *f.dst, err = strconv.ParseFloat(strings.TrimSpace(rec[i]), 64); err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, f.name, err)
			}
		}
		bars = append(bars, b)
	}
	if len(bars) == 0 {
		return nil, domain.ErrEmptyFeed
	}
	return bars, nil
}

func parseCSVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if len(s) > 10 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
