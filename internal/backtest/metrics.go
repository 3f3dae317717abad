package backtest

import (
	"math"

	"quantcore/internal/market"
)

// profitFactorSentinel is reported when every trade is profitable: a large
// finite value instead of +Inf so serialized metrics stay valid JSON.
const profitFactorSentinel = 9999.0

// maxEquityPoints bounds the sampled equity curve returned to callers.
const maxEquityPoints = 500

// computeMetrics scores a finished run from its trades and equity curve.
func computeMetrics(initialBalance float64, trades []Trade, curve []EquityPoint, interval string) Metrics {
	m := Metrics{
		TradeCount:  len(trades),
		FinalEquity: initialBalance,
	}
	if len(curve) > 0 {
		m.FinalEquity = curve[len(curve)-1].Equity
	}
	m.TotalReturn = m.FinalEquity - initialBalance
	if initialBalance > 0 {
		m.TotalReturnPct = m.TotalReturn / initialBalance * 100
	}

	var grossProfit, grossLoss float64
	for _, t := range trades {
		if t.Pnl > 0 {
			m.Wins++
			grossProfit += t.Pnl
		} else {
			m.Losses++
			grossLoss += -t.Pnl
		}
	}
	if m.TradeCount > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TradeCount)
		m.Expectancy = m.TotalReturn / float64(m.TradeCount)
	}
	if m.Wins > 0 {
		m.AvgWin = grossProfit / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = grossLoss / float64(m.Losses)
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		m.ProfitFactor = profitFactorSentinel
	}

	m.MaxDrawdownPct = maxDrawdown(curve)
	m.Sharpe, m.Sortino = riskRatios(curve, interval)
	return m
}

// maxDrawdown is the largest peak-to-trough decline over the curve, in
// percent of the peak.
func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak * 100
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// riskRatios computes annualized Sharpe and Sortino from per-bar returns.
// Both are 0 when fewer than 2 usable returns exist or the relevant
// deviation is 0, never NaN or Inf.
func riskRatios(curve []EquityPoint, interval string) (sharpe, sortino float64) {
	if len(curve) < 3 {
		return 0, 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0, 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance, downVariance float64
	downCount := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downVariance += r * r
			downCount++
		}
	}
	variance /= float64(len(returns))
	sd := math.Sqrt(variance)

	annualize := math.Sqrt(market.BarsPerYear(interval))
	if sd > 0 {
		sharpe = mean / sd * annualize
	}
	if downCount > 0 {
		downDev := math.Sqrt(downVariance / float64(len(returns)))
		if downDev > 0 {
			sortino = mean / downDev * annualize
		}
	}
	return sharpe, sortino
}

// sampleCurve thins the equity curve to at most maxEquityPoints by uniform
// index stride, always keeping the exact first and last points.
func sampleCurve(curve []EquityPoint) []EquityPoint {
	n := len(curve)
	if n <= maxEquityPoints {
		return append([]EquityPoint(nil), curve...)
	}

	stride := (n + maxEquityPoints - 1) / maxEquityPoints
	out := make([]EquityPoint, 0, maxEquityPoints)
	for i := 0; i < n; i += stride {
		out = append(out, curve[i])
	}
	if out[len(out)-1] != curve[n-1] {
		if len(out) < maxEquityPoints {
			out = append(out, curve[n-1])
		} else {
			out[len(out)-1] = curve[n-1]
		}
	}
	return out
}
