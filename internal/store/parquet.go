package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantlab/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ ResultExporter = (*ParquetStore)(nil)

// ParquetStore implements BarStore and ResultExporter using Parquet files on
// disk.
type ParquetStore struct {
	DataDir   string
	ExportDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory. Exports go to <dataDir>/exports unless ExportDir is changed.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, ExportDir: filepath.Join(dataDir, "exports")}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// TradeRecord is the Parquet schema for exported fills.
type TradeRecord struct {
	RunID      string  `parquet:"run_id"`
	ID         string  `parquet:"id"`
	OrderID    string  `parquet:"order_id"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"`
	BarIndex   int64   `parquet:"bar_index"`
	Price      float64 `parquet:"price"`
	Qty        float64 `parquet:"qty"`
	Commission float64 `parquet:"commission"`
	Slippage   float64 `parquet:"slippage"`
	ClosedQty  float64 `parquet:"closed_qty"`
	EntryPrice float64 `parquet:"entry_price"`
	PnL        float64 `parquet:"pnl"`
}

// EquityRecord is the Parquet schema for an exported equity curve.
type EquityRecord struct {
	RunID         string  `parquet:"run_id"`
	BarIndex      int64   `parquet:"bar_index"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity        float64 `parquet:"equity"`
	Cash          float64 `parquet:"cash"`
	PositionValue float64 `parquet:"position_value"`
	Drawdown      float64 `parquet:"drawdown"`
	DrawdownPct   float64 `parquet:"drawdown_pct"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files organized by symbol, interval and
// year:
//
//	<DataDir>/bars/<interval>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, symbol, interval string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if symbol == "" || interval == "" {
		return fmt.Errorf("%w: symbol and interval are required", domain.ErrInvalidConfig)
	}

	groups := make(map[int][]BarRecord)
	for _, b := range bars {
		year := b.Timestamp.UTC().Year()
		groups[year] = append(groups[year], BarRecord{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for year, records := range groups {
		path := s.barPath(symbol, interval, year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%s/%d: %w", symbol, interval, year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol, interval
// and time range.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, interval, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:    r.Symbol,
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data at the given interval.
func (s *ParquetStore) ListSymbols(_ context.Context, interval string) ([]string, error) {
	dir := filepath.Join(s.DataDir, "bars", interval)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// ResultExporter implementation
// ---------------------------------------------------------------------------

// ExportResult writes the run's trades and equity curve to
//
//	<ExportDir>/<runID>/trades.parquet
//	<ExportDir>/<runID>/equity.parquet
func (s *ParquetStore) ExportResult(_ context.Context, runID string, res *domain.BacktestResult) ([]string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return nil, fmt.Errorf("%w: invalid run id %q", domain.ErrInvalidConfig, runID)
	}
	dir := filepath.Join(s.ExportDir, runID)

	trades := make([]TradeRecord, len(res.Trades))
	for i, t := range res.Trades {
		trades[i] = TradeRecord{
			RunID:      runID,
			ID:         t.ID,
			OrderID:    t.OrderID,
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Timestamp:  t.Timestamp.UnixMilli(),
			BarIndex:   int64(t.BarIndex),
			Price:      t.Price,
			Qty:        t.Qty,
			Commission: t.Commission,
			Slippage:   t.Slippage,
			ClosedQty:  t.ClosedQty,
			EntryPrice: t.EntryPrice,
			PnL:        t.PnL,
		}
	}
	equity := make([]EquityRecord, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		equity[i] = EquityRecord{
			RunID:         runID,
			BarIndex:      int64(p.BarIndex),
			Timestamp:     p.Timestamp.UnixMilli(),
			Equity:        p.Equity,
			Cash:          p.Cash,
			PositionValue: p.PositionValue,
			Drawdown:      p.Drawdown,
			DrawdownPct:   p.DrawdownPct,
		}
	}

	tradesPath := filepath.Join(dir, "trades.parquet")
	if err := writeParquetFile(tradesPath, trades); err != nil {
		return nil, fmt.Errorf("exporting trades: %w", err)
	}
	equityPath := filepath.Join(dir, "equity.parquet")
	if err := writeParquetFile(equityPath, equity); err != nil {
		return nil, fmt.Errorf("exporting equity: %w", err)
	}
	return []string{tradesPath, equityPath}, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/bars/<interval>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol, interval string, year int) string {
	return filepath.Join(s.DataDir, "bars", interval, strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
