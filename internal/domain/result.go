package domain

import (
	"encoding/json"
	"math"
	"time"
)

// RunStatus is the terminal state of a backtest run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunError     RunStatus = "error"
)

// StopCause says why a stopped run ended before its last bar. A risk stop is
// a deliberate outcome of the run; a cancelled run was interrupted from
// outside and its metrics cover only part of the feed.
type StopCause string

const (
	StopRisk      StopCause = "risk"
	StopCancelled StopCause = "cancelled"
)

// PerformanceMetrics summarises a completed run. Percent-like fields are
// fractions (0.12 = 12%). Ratios follow a defined-zero convention: a zero
// denominator yields 0, except ProfitFactor which is +Inf when there are
// profits but no losses.
type PerformanceMetrics struct {
	InitialCapital float64 `json:"initialCapital"`
	FinalEquity    float64 `json:"finalEquity"`

	TotalReturn      float64 `json:"totalReturn"`
	TotalReturnPct   float64 `json:"totalReturnPct"`
	CAGR             float64 `json:"cagr"`
	AnnualizedReturn float64 `json:"annualizedReturn"`

	Volatility   float64 `json:"volatility"`
	SharpeRatio  float64 `json:"sharpeRatio"`
	SortinoRatio float64 `json:"sortinoRatio"`
	CalmarRatio  float64 `json:"calmarRatio"`

	MaxDrawdown         float64 `json:"maxDrawdown"`
	MaxDrawdownPct      float64 `json:"maxDrawdownPct"`
	MaxDrawdownDuration int     `json:"maxDrawdownDuration"` // bars

	TotalTrades          int     `json:"totalTrades"`
	WinningTrades        int     `json:"winningTrades"`
	LosingTrades         int     `json:"losingTrades"`
	WinRate              float64 `json:"winRate"`
	AvgWin               float64 `json:"avgWin"`
	AvgLoss              float64 `json:"avgLoss"` // positive magnitude
	AvgWinPct            float64 `json:"avgWinPct"`
	AvgLossPct           float64 `json:"avgLossPct"` // positive magnitude
	LargestWin           float64 `json:"largestWin"`
	LargestLoss          float64 `json:"largestLoss"` // positive magnitude
	GrossProfit          float64 `json:"grossProfit"`
	GrossLoss            float64 `json:"grossLoss"` // positive magnitude
	ProfitFactor         float64 `json:"-"`
	PayoffRatio          float64 `json:"payoffRatio"`
	Expectancy           float64 `json:"expectancy"`
	MaxConsecutiveWins   int     `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int     `json:"maxConsecutiveLosses"`
	TotalCommission      float64 `json:"totalCommission"`
	TotalSlippage        float64 `json:"totalSlippage"`
	RealizedPnL          float64 `json:"realizedPnl"`
	UnrealizedPnL        float64 `json:"unrealizedPnl"`
	AvgExposurePct       float64 `json:"avgExposurePct"`
	MaxExposurePct       float64 `json:"maxExposurePct"`
	TimeInMarketPct      float64 `json:"timeInMarketPct"`
	TotalBars            int     `json:"totalBars"`
	PeriodsPerYear       float64 `json:"periodsPerYear"`
}

type metricsJSON PerformanceMetrics

// MarshalJSON encodes an infinite profit factor as the string "Infinity",
// which encoding/json cannot represent as a number.
func (m PerformanceMetrics) MarshalJSON() ([]byte, error) {
	var pf any = m.ProfitFactor
	if math.IsInf(m.ProfitFactor, 1) {
		pf = "Infinity"
	}
	return json.Marshal(struct {
		metricsJSON
		ProfitFactor any `json:"profitFactor"`
	}{metricsJSON(m), pf})
}

// UnmarshalJSON accepts the encoding produced by MarshalJSON.
func (m *PerformanceMetrics) UnmarshalJSON(data []byte) error {
	aux := struct {
		*metricsJSON
		ProfitFactor any `json:"profitFactor"`
	}{metricsJSON: (*metricsJSON)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch v := aux.ProfitFactor.(type) {
	case float64:
		m.ProfitFactor = v
	case string:
		if v == "Infinity" {
			m.ProfitFactor = math.Inf(1)
		}
	}
	return nil
}

// MonthlyReturn is the equity change over one calendar month (UTC).
type MonthlyReturn struct {
	Year        int     `json:"year"`
	Month       int     `json:"month"`
	StartEquity float64 `json:"startEquity"`
	EndEquity   float64 `json:"endEquity"`
	Return      float64 `json:"return"`
}

// BacktestResult is the terminal aggregate of one run.
type BacktestResult struct {
	StrategyID     string             `json:"strategyId"`
	Params         map[string]float64 `json:"params,omitempty"`
	Symbol         string             `json:"symbol"`
	Interval       string             `json:"interval,omitempty"`
	Config         BacktestConfig     `json:"config"`
	Status         RunStatus          `json:"status"`
	Error          string             `json:"error,omitempty"`
	StopReason     string             `json:"stopReason,omitempty"`
	StopCause      StopCause          `json:"stopCause,omitempty"`
	StartTime      time.Time          `json:"startTime"`
	EndTime        time.Time          `json:"endTime"`
	BarsProcessed  int                `json:"barsProcessed"`
	TotalBars      int                `json:"totalBars"`
	Metrics        PerformanceMetrics `json:"metrics"`
	Trades         []Trade            `json:"trades"`
	Orders         []Order            `json:"orders"`
	EquityCurve    []EquityPoint      `json:"equityCurve"`
	MonthlyReturns []MonthlyReturn    `json:"monthlyReturns"`
	FinalPositions []Position         `json:"finalPositions"`
}
