package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/engine"
	"quantlab/internal/events"
	"quantlab/internal/util"
)

func main() {
	strategyID := flag.String("strategy", "sma-cross", "strategy id")
	symbol := flag.String("symbol", "", "symbol to backtest (required)")
	interval := flag.String("interval", engine.DefaultInterval, "bar interval")
	start := flag.String("start", "", "first bar date, YYYY-MM-DD (required)")
	end := flag.String("end", "", "last bar date, YYYY-MM-DD (required)")
	params := flag.String("params", "", "strategy parameters, e.g. fast=10,slow=30")
	importCSV := flag.String("import", "", "CSV file of bars to import for -symbol before running")
	capital := flag.Float64("capital", 0, "initial capital (0 = config default)")
	stream := flag.Bool("events", false, "print run events as JSON lines on stderr")
	out := flag.String("out", "", "write the full report as JSON to this file")
	list := flag.Bool("list", false, "list strategies and exit")
	resume := flag.String("resume", "", "resume an interrupted backtest task by id")
	flag.Parse()

	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	eng, closeStores, err := engine.Open(cfg, nil, logger)
	if err != nil {
		log.Fatalf("opening engine: %v", err)
	}
	defer closeStores()

	if *list {
		for _, d := range eng.Strategies() {
			fmt.Printf("%-16s %s\n", d.ID, d.Description)
			for _, p := range d.Params {
				fmt.Printf("    %-12s %-6s default=%v range=[%v, %v]\n", p.Name, p.Type, p.Default, p.Min, p.Max)
			}
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var sink events.Sink
	if *stream {
		enc := json.NewEncoder(os.Stderr)
		sink = events.SinkFunc(func(e events.Event) { enc.Encode(e) })
	}

	if *resume != "" {
		rep, err := eng.Resume(ctx, *resume, sink)
		if err != nil {
			log.Fatalf("resume failed: %v", err)
		}
		finish(rep, *out)
		return
	}

	if *symbol == "" || *start == "" || *end == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *importCSV != "" {
		f, err := os.Open(*importCSV)
		if err != nil {
			log.Fatalf("opening %s: %v", *importCSV, err)
		}
		n, err := eng.ImportBars(ctx, f, *symbol, *interval)
		f.Close()
		if err != nil {
			log.Fatalf("importing %s: %v", *importCSV, err)
		}
		fmt.Printf("imported %d bars for %s\n", n, *symbol)
	}

	req := domain.BacktestRequest{
		StrategyID: *strategyID,
		Symbol:     strings.ToUpper(*symbol),
		Interval:   *interval,
	}
	if req.Start, err = parseDate(*start); err != nil {
		log.Fatalf("-start: %v", err)
	}
	if req.End, err = parseDate(*end); err != nil {
		log.Fatalf("-end: %v", err)
	}
	// Include every bar on the end date.
	req.End = req.End.Add(24*time.Hour - time.Nanosecond)
	if req.Params, err = parseParams(*params); err != nil {
		log.Fatalf("-params: %v", err)
	}
	if *capital > 0 {
		req.Config = &domain.ConfigOverride{InitialCapital: capital}
	}

	rep, err := eng.RunBacktest(ctx, req, sink)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}
	finish(rep, *out)
}

// finish prints rep, optionally writes it to out and exits non-zero when the
// run failed.
func finish(rep *engine.BacktestReport, out string) {
	printReport(rep)
	if out != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			log.Fatalf("encoding report: %v", err)
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			log.Fatalf("writing %s: %v", out, err)
		}
	}
	if rep.Result.Status == domain.RunError {
		os.Exit(1)
	}
}

func printReport(rep *engine.BacktestReport) {
	r := rep.Result
	m := r.Metrics
	fmt.Printf("run %s  %s %s %s  status=%s\n", rep.RunID, r.StrategyID, r.Symbol, r.Interval, r.Status)
	if r.Error != "" {
		fmt.Printf("  error: %s\n", r.Error)
	}
	if r.StopReason != "" {
		fmt.Printf("  stopped: %s\n", r.StopReason)
	}
	fmt.Printf("  bars          %d/%d\n", r.BarsProcessed, r.TotalBars)
	fmt.Printf("  final equity  %.2f (%+.2f%%)\n", m.FinalEquity, m.TotalReturnPct*100)
	fmt.Printf("  cagr          %.2f%%\n", m.CAGR*100)
	fmt.Printf("  sharpe        %.3f\n", m.SharpeRatio)
	fmt.Printf("  sortino       %.3f\n", m.SortinoRatio)
	fmt.Printf("  max drawdown  %.2f%% over %d bars\n", m.MaxDrawdownPct*100, m.MaxDrawdownDuration)
	fmt.Printf("  trades        %d (win rate %.1f%%, profit factor %.2f)\n", m.TotalTrades, m.WinRate*100, m.ProfitFactor)
	fmt.Printf("  commission    %.2f  slippage %.2f\n", m.TotalCommission, m.TotalSlippage)
	for _, p := range rep.Exports {
		fmt.Printf("  exported      %s\n", p)
	}
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// parseParams parses "name=value,name=value".
func parseParams(s string) (map[string]float64, error) {
	if s == "" {
		return nil, nil
	}
	out := map[string]float64{}
	for _, kv := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", kv)
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
