// Package metrics derives performance statistics from a completed run's
// equity curve and trade list. All functions are pure.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"quantlab/internal/domain"
)

// DefaultPeriodsPerYear is used when bar spacing cannot be inferred.
const DefaultPeriodsPerYear = 252

// Calculate computes the full metric set. Trades with ClosedQty > 0 count as
// round trips; opening fills only contribute commission and slippage.
func Calculate(curve []domain.EquityPoint, trades []domain.Trade, cfg domain.BacktestConfig) domain.PerformanceMetrics {
	m := domain.PerformanceMetrics{
		InitialCapital: cfg.InitialCapital,
		FinalEquity:    cfg.InitialCapital,
		TotalBars:      len(curve),
	}
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1].Equity
	}
	m.TotalReturn = m.FinalEquity - m.InitialCapital
	m.TotalReturnPct = safeDiv(m.TotalReturn, m.InitialCapital)
	m.CAGR = cagr(curve, cfg.InitialCapital)

	ppy := cfg.PeriodsPerYear
	if ppy <= 0 {
		ppy = InferPeriodsPerYear(curve)
	}
	m.PeriodsPerYear = ppy

	returns := periodReturns(curve, cfg.InitialCapital)
	mean, std := meanStd(returns)
	m.AnnualizedReturn = mean * ppy
	m.Volatility = std * math.Sqrt(ppy)
	m.SharpeRatio = safeDiv(m.AnnualizedReturn-cfg.RiskFreeRate, m.Volatility)
	m.SortinoRatio = safeDiv(m.AnnualizedReturn-cfg.RiskFreeRate, downsideDeviation(returns)*math.Sqrt(ppy))

	m.MaxDrawdown, m.MaxDrawdownPct = maxDrawdown(curve)
	m.MaxDrawdownDuration = maxDrawdownDuration(curve)
	m.CalmarRatio = safeDiv(m.AnnualizedReturn, m.MaxDrawdownPct)

	tradeStats(&m, trades)
	m.UnrealizedPnL = m.TotalReturn - m.RealizedPnL + m.TotalCommission

	exposure(&m, curve)
	return m
}

// InferPeriodsPerYear estimates the number of bars per year from the median
// spacing of the curve's timestamps. Daily bars map to 252 trading days.
func InferPeriodsPerYear(curve []domain.EquityPoint) float64 {
	if len(curve) < 2 {
		return DefaultPeriodsPerYear
	}
	gaps := make([]time.Duration, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if d := curve[i].Timestamp.Sub(curve[i-1].Timestamp); d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return DefaultPeriodsPerYear
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := gaps[len(gaps)/2]

	const day = 24 * time.Hour
	switch {
	case median < 20*time.Hour:
		return DefaultPeriodsPerYear * float64(day) / float64(median)
	case median <= 4*day:
		return DefaultPeriodsPerYear
	case median <= 10*day:
		return 52
	case median <= 45*day:
		return 12
	default:
		return 365.25 * float64(day) / float64(median)
	}
}

// periodReturns returns one simple return per equity point, the first
// measured against the initial capital.
func periodReturns(curve []domain.EquityPoint, initial float64) []float64 {
	out := make([]float64, 0, len(curve))
	prev := initial
	for _, p := range curve {
		out = append(out, safeDiv(p.Equity-prev, prev))
		prev = p.Equity
	}
	return out
}

// meanStd returns the mean and sample standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	std := math.Sqrt(ss / float64(len(xs)-1))
	if std < 1e-15 {
		std = 0
	}
	return mean, std
}

func downsideDeviation(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var ss float64
	for _, r := range returns {
		if r < 0 {
			ss += r * r
		}
	}
	return math.Sqrt(ss / float64(len(returns)))
}

func cagr(curve []domain.EquityPoint, initial float64) float64 {
	if len(curve) < 2 || initial <= 0 {
		return 0
	}
	final := curve[len(curve)-1].Equity
	years := curve[len(curve)-1].Timestamp.Sub(curve[0].Timestamp).Hours() / (24 * 365.25)
	if years <= 0 || final <= 0 {
		return 0
	}
	v := math.Pow(final/initial, 1/years) - 1
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}

// maxDrawdown returns the largest peak-to-trough loss in currency and as a
// fraction of the peak.
func maxDrawdown(curve []domain.EquityPoint) (float64, float64) {
	if len(curve) == 0 {
		return 0, 0
	}
	var dd, ddPct float64
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if d := peak - p.Equity; d > dd {
			dd = d
		}
		if peak > 0 {
			if d := (peak - p.Equity) / peak; d > ddPct {
				ddPct = d
			}
		}
	}
	return dd, ddPct
}

// maxDrawdownDuration counts bars from a peak until equity recovers to it,
// or until the series ends.
func maxDrawdownDuration(curve []domain.EquityPoint) int {
	if len(curve) == 0 {
		return 0
	}
	longest := 0
	peak, peakAt := curve[0].Equity, 0
	for i, p := range curve {
		if p.Equity >= peak {
			if d := i - peakAt; d > longest {
				longest = d
			}
			peak, peakAt = p.Equity, i
		}
	}
	if d := len(curve) - 1 - peakAt; d > longest {
		longest = d
	}
	return longest
}

func tradeStats(m *domain.PerformanceMetrics, trades []domain.Trade) {
	var winPct, lossPct float64
	var winStreak, lossStreak int
	for _, t := range trades {
		m.TotalCommission += t.Commission
		m.TotalSlippage += t.Slippage
		if !t.Closing() {
			continue
		}
		m.TotalTrades++
		m.RealizedPnL += t.PnL
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			m.GrossProfit += t.PnL
			winPct += t.ReturnPct()
			m.LargestWin = math.Max(m.LargestWin, t.PnL)
			winStreak++
			lossStreak = 0
		case t.PnL < 0:
			m.LosingTrades++
			m.GrossLoss -= t.PnL
			lossPct -= t.ReturnPct()
			m.LargestLoss = math.Max(m.LargestLoss, -t.PnL)
			lossStreak++
			winStreak = 0
		default:
			winStreak, lossStreak = 0, 0
		}
		m.MaxConsecutiveWins = max(m.MaxConsecutiveWins, winStreak)
		m.MaxConsecutiveLosses = max(m.MaxConsecutiveLosses, lossStreak)
	}

	m.WinRate = safeDiv(float64(m.WinningTrades), float64(m.TotalTrades))
	m.AvgWin = safeDiv(m.GrossProfit, float64(m.WinningTrades))
	m.AvgLoss = safeDiv(m.GrossLoss, float64(m.LosingTrades))
	m.AvgWinPct = safeDiv(winPct, float64(m.WinningTrades))
	m.AvgLossPct = safeDiv(lossPct, float64(m.LosingTrades))
	m.PayoffRatio = safeDiv(m.AvgWin, m.AvgLoss)
	if m.TotalTrades > 0 {
		m.Expectancy = m.WinRate*m.AvgWin - (1-m.WinRate)*m.AvgLoss
	}
	switch {
	case m.GrossLoss > 0:
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	case m.GrossProfit > 0:
		m.ProfitFactor = math.Inf(1)
	}
}

func exposure(m *domain.PerformanceMetrics, curve []domain.EquityPoint) {
	if len(curve) == 0 {
		return
	}
	var sum float64
	var inMarket int
	for _, p := range curve {
		e := safeDiv(p.GrossExposure, p.Equity)
		if p.Equity <= 0 && p.GrossExposure > 0 {
			e = 1
		}
		sum += e
		m.MaxExposurePct = math.Max(m.MaxExposurePct, e)
		if p.GrossExposure > 0 {
			inMarket++
		}
	}
	m.AvgExposurePct = sum / float64(len(curve))
	m.TimeInMarketPct = float64(inMarket) / float64(len(curve))
}

// MonthlyReturns groups the curve by calendar month (UTC). Each month's start
// equity is the previous month's closing equity, or the initial capital for
// the first month.
func MonthlyReturns(curve []domain.EquityPoint, initial float64) []domain.MonthlyReturn {
	var out []domain.MonthlyReturn
	start := initial
	for _, p := range curve {
		ts := p.Timestamp.UTC()
		y, mo := ts.Year(), int(ts.Month())
		if n := len(out); n > 0 && out[n-1].Year == y && out[n-1].Month == mo {
			out[n-1].EndEquity = p.Equity
			continue
		}
		if n := len(out); n > 0 {
			start = out[n-1].EndEquity
		}
		out = append(out, domain.MonthlyReturn{Year: y, Month: mo, StartEquity: start, EndEquity: p.Equity})
	}
	for i := range out {
		out[i].Return = safeDiv(out[i].EndEquity-out[i].StartEquity, out[i].StartEquity)
	}
	return out
}

// Names lists the metrics accepted by Value and Score.
var Names = []string{
	"totalReturn", "totalReturnPct", "cagr", "annualizedReturn", "finalEquity",
	"sharpeRatio", "sortinoRatio", "calmarRatio", "volatility",
	"maxDrawdown", "maxDrawdownPct", "winRate", "profitFactor", "expectancy",
	"payoffRatio", "totalTrades",
}

// lowerIsBetter holds metrics that an optimizer should minimise.
var lowerIsBetter = map[string]bool{
	"volatility":     true,
	"maxDrawdown":    true,
	"maxDrawdownPct": true,
}

// Value returns the named metric.
func Value(m domain.PerformanceMetrics, name string) (float64, error) {
	switch name {
	case "totalReturn":
		return m.TotalReturn, nil
	case "totalReturnPct":
		return m.TotalReturnPct, nil
	case "cagr":
		return m.CAGR, nil
	case "annualizedReturn":
		return m.AnnualizedReturn, nil
	case "finalEquity":
		return m.FinalEquity, nil
	case "sharpeRatio":
		return m.SharpeRatio, nil
	case "sortinoRatio":
		return m.SortinoRatio, nil
	case "calmarRatio":
		return m.CalmarRatio, nil
	case "volatility":
		return m.Volatility, nil
	case "maxDrawdown":
		return m.MaxDrawdown, nil
	case "maxDrawdownPct":
		return m.MaxDrawdownPct, nil
	case "winRate":
		return m.WinRate, nil
	case "profitFactor":
		return m.ProfitFactor, nil
	case "expectancy":
		return m.Expectancy, nil
	case "payoffRatio":
		return m.PayoffRatio, nil
	case "totalTrades":
		return float64(m.TotalTrades), nil
	}
	return 0, fmt.Errorf("%w: unknown metric %q", domain.ErrInvalidConfig, name)
}

// Score returns the named metric oriented so that larger is always better.
func Score(m domain.PerformanceMetrics, name string) (float64, error) {
	v, err := Value(m, name)
	if err != nil {
		return 0, err
	}
	if lowerIsBetter[name] {
		return -v, nil
	}
	return v, nil
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
