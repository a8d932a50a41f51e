package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/engine"
	"quantlab/internal/metrics"
	"quantlab/internal/util"
)

func main() {
	var ranges []domain.ParamRange
	flag.Func("range", "search range name:min:max[:step], repeatable (default: every numeric parameter)", func(s string) error {
		r, err := parseRange(s)
		if err != nil {
			return err
		}
		ranges = append(ranges, r)
		return nil
	})
	strategyID := flag.String("strategy", "sma-cross", "strategy id")
	symbol := flag.String("symbol", "", "symbol (required)")
	interval := flag.String("interval", engine.DefaultInterval, "bar interval")
	start := flag.String("start", "", "first bar date, YYYY-MM-DD (required)")
	end := flag.String("end", "", "last bar date, YYYY-MM-DD (required)")
	method := flag.String("method", string(domain.MethodGrid), "grid, random or genetic")
	metric := flag.String("metric", "sharpeRatio", "metric to optimize: "+strings.Join(metrics.Names, ", "))
	iterations := flag.Int("iterations", 0, "random trials or genetic generations (0 = default)")
	seed := flag.Uint64("seed", 0, "random seed (0 = config default)")
	workers := flag.Int("workers", 0, "parallel trials (0 = config default)")
	timeout := flag.Duration("trial-timeout", 0, "per-trial time limit (0 = config default)")
	top := flag.Int("top", 10, "number of trials to print")
	out := flag.String("out", "", "write the full report as JSON to this file")
	flag.Parse()

	if *symbol == "" || *start == "" || *end == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	req := domain.OptimizationRequest{
		Backtest: domain.BacktestRequest{
			StrategyID: *strategyID,
			Symbol:     strings.ToUpper(*symbol),
			Interval:   *interval,
		},
		Ranges:        ranges,
		Method:        domain.OptimizationMethod(*method),
		Metric:        *metric,
		MaxIterations: *iterations,
		Seed:          *seed,
		Workers:       *workers,
		TrialTimeout:  *timeout,
	}
	if req.Backtest.Start, err = time.Parse(time.DateOnly, *start); err != nil {
		log.Fatalf("-start: %v", err)
	}
	if req.Backtest.End, err = time.Parse(time.DateOnly, *end); err != nil {
		log.Fatalf("-end: %v", err)
	}
	req.Backtest.End = req.Backtest.End.Add(24*time.Hour - time.Nanosecond)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	begin := time.Now()
	rep, err := eng.Optimize(ctx, req)
	if err != nil {
		log.Fatalf("optimization failed: %v", err)
	}
	printReport(rep, *top, time.Since(begin))

	if *out != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			log.Fatalf("encoding report: %v", err)
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			log.Fatalf("writing %s: %v", *out, err)
		}
	}
}

func printReport(rep *engine.OptimizationReport, top int, elapsed time.Duration) {
	res := rep.Result
	fmt.Printf("%s %s by %s: %d trials", res.StrategyID, res.Method, res.Metric, res.Trials)
	if res.Generations > 0 {
		fmt.Printf(" over %d generations", res.Generations)
	}
	fmt.Printf(" in %s, status=%s\n", elapsed.Round(time.Millisecond), res.Status)
	if res.BestIndex < 0 {
		fmt.Println("no trial completed")
		return
	}
	fmt.Printf("best trial %d: %s = %.4f  %s\n", res.BestIndex, res.Metric, res.BestMetric, formatParams(res.BestParams))

	type row struct {
		idx   int
		score float64
	}
	var rows []row
	for i, r := range res.AllResults {
		if r.Status != domain.RunCompleted {
			continue
		}
		v, err := metrics.Score(r.Metrics, res.Metric)
		if err != nil {
			continue
		}
		rows = append(rows, row{i, v})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].score > rows[j].score })
	if len(rows) > top {
		rows = rows[:top]
	}
	fmt.Printf("\n%6s  %10s  %10s  %8s  %7s  %s\n", "trial", "return%", "sharpe", "maxdd%", "trades", "params")
	for _, r := range rows {
		m := res.AllResults[r.idx].Metrics
		fmt.Printf("%6d  %10.2f  %10.3f  %8.2f  %7d  %s\n",
			r.idx, m.TotalReturnPct*100, m.SharpeRatio, m.MaxDrawdownPct*100, m.TotalTrades,
			formatParams(res.AllResults[r.idx].Params))
	}
}

func formatParams(p map[string]float64) string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + strconv.FormatFloat(p[k], 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

// parseRange parses "name:min:max[:step]".
func parseRange(s string) (domain.ParamRange, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return domain.ParamRange{}, fmt.Errorf("expected name:min:max[:step], got %q", s)
	}
	r := domain.ParamRange{Name: parts[0]}
	dst := []*float64{&r.Min, &r.Max, &r.Step}
	for i, v := range parts[1:] {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return domain.ParamRange{}, fmt.Errorf("%s: %w", s, err)
		}
		*dst[i] = f
	}
	return r, r.Validate()
}
