package indicators

import (
	"math"
	"testing"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		period int
		want   float64
	}{
		{"simple", []float64{1, 2, 3, 4, 5}, 5, 3},
		{"tail only", []float64{10, 10, 1, 2, 3}, 3, 2},
		{"not enough data", []float64{1, 2}, 5, 0},
		{"zero period", []float64{1, 2, 3}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SMA(tt.values, tt.period)
			if !almostEqual(got, tt.want, 1e-9) {
				t.Fatalf("SMA=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestEMAConvergesToConstantSeries(t *testing.T) {
	values := make([]float64, 50)
	for i := range values {
		values[i] = 42.0
	}
	if got := EMA(values, 10); !almostEqual(got, 42.0, 1e-9) {
		t.Fatalf("EMA of constant series = %v, expected 42", got)
	}
}

func TestEMASeriesMatchesEMAAtTail(t *testing.T) {
	values := []float64{1, 3, 2, 5, 4, 6, 8, 7, 9, 10, 12, 11}
	series := EMASeries(values, 5)
	if got, want := series[len(series)-1], EMA(values, 5); !almostEqual(got, want, 1e-9) {
		t.Fatalf("EMASeries tail = %v, EMA = %v", got, want)
	}
	if series[0] != 0 || series[3] != 0 {
		t.Fatalf("expected zero padding before period-1, got %v", series[:4])
	}
}

func TestRSIExtremes(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	if got := RSI(up, 5); got != 100 {
		t.Fatalf("RSI of monotonic gains = %v, expected 100", got)
	}
	down := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	if got := RSI(down, 5); got != 0 {
		t.Fatalf("RSI of monotonic losses = %v, expected 0", got)
	}
}

func TestATR(t *testing.T) {
	highs := []float64{11, 12, 13, 14, 15}
	lows := []float64{9, 10, 11, 12, 13}
	closes := []float64{10, 11, 12, 13, 14}
	// Each bar: high-low = 2, gap vs prev close = 2, so TR = 2.
	if got := ATR(highs, lows, closes, 3); !almostEqual(got, 2, 1e-9) {
		t.Fatalf("ATR=%v, expected 2", got)
	}
}

func TestBollingerBandsSymmetry(t *testing.T) {
	values := []float64{10, 12, 14, 12, 10, 12, 14, 12, 10, 12}
	mid, upper, lower := Bollinger(values, 10, 2)
	if !almostEqual(upper-mid, mid-lower, 1e-9) {
		t.Fatalf("bands not symmetric: mid=%v upper=%v lower=%v", mid, upper, lower)
	}
	if upper <= mid || lower >= mid {
		t.Fatalf("band ordering wrong: mid=%v upper=%v lower=%v", mid, upper, lower)
	}
}

func TestROC(t *testing.T) {
	values := []float64{100, 105, 110}
	if got := ROC(values, 2); !almostEqual(got, 0.10, 1e-9) {
		t.Fatalf("ROC=%v, expected 0.10", got)
	}
}

func TestZScoreZeroVariance(t *testing.T) {
	if got := ZScore([]float64{5, 5, 5, 5}); got != 0 {
		t.Fatalf("ZScore of flat series = %v, expected 0", got)
	}
}

func TestADXTrendingVsFlat(t *testing.T) {
	n := 60
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)
		highs[i] = base + 1
		lows[i] = base - 1
		closes[i] = base
	}
	trending := ADX(highs, lows, closes, 14)
	if trending < 50 {
		t.Fatalf("ADX of steady uptrend = %v, expected strong (>50)", trending)
	}

	for i := 0; i < n; i++ {
		highs[i] = 101
		lows[i] = 99
		closes[i] = 100
	}
	flat := ADX(highs, lows, closes, 14)
	if flat != 0 {
		t.Fatalf("ADX of flat series = %v, expected 0", flat)
	}
}
