// Package indicators provides pure numeric routines over candle series.
// All functions operate on the tail of the input slices and return 0 when
// there is not enough history for the requested period.
package indicators

import "math"

// SMA calculates the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average over the whole series,
// seeded with an SMA of the first period values.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	k := 2.0 / (float64(period) + 1)
	ema := SMA(values[:period], period)
	for i := period; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
	}
	return ema
}

// EMASeries returns the EMA at every index from period-1 onward; earlier
// indexes hold 0. Used where a strategy needs the previous bar's EMA.
func EMASeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	k := 2.0 / (float64(period) + 1)
	ema := SMA(values[:period], period)
	out[period-1] = ema
	for i := period; i < len(values); i++ {
		ema = values[i]*k + ema*(1-k)
		out[i] = ema
	}
	return out
}

// RSI computes the Relative Strength Index over the last period changes.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}
	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}

// TrueRange returns the true range at index i of the series.
func TrueRange(high, low, closePrev float64) float64 {
	tr := high - low
	if d := math.Abs(high - closePrev); d > tr {
		tr = d
	}
	if d := math.Abs(low - closePrev); d > tr {
		tr = d
	}
	return tr
}

// ATR computes the average true range of the last period bars.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return 0
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += TrueRange(highs[i], lows[i], closes[i-1])
	}
	return sum / float64(period)
}

// ADX computes the average directional index using Wilder smoothing.
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < 2*period+1 || len(highs) != n || len(lows) != n {
		return 0
	}

	var trSum, plusSum, minusSum float64
	dxs := make([]float64, 0, n)
	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]
		plusDM := 0.0
		minusDM := 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := TrueRange(highs[i], lows[i], closes[i-1])

		if i <= period {
			trSum += tr
			plusSum += plusDM
			minusSum += minusDM
			if i < period {
				continue
			}
		} else {
			trSum = trSum - trSum/float64(period) + tr
			plusSum = plusSum - plusSum/float64(period) + plusDM
			minusSum = minusSum - minusSum/float64(period) + minusDM
		}

		if trSum == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI := 100 * plusSum / trSum
		minusDI := 100 * minusSum / trSum
		if plusDI+minusDI == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
	}

	if len(dxs) < period {
		return 0
	}
	adx := 0.0
	for _, dx := range dxs[:period] {
		adx += dx
	}
	adx /= float64(period)
	for _, dx := range dxs[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	return adx
}

// StdDev computes the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 1 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(period))
}

// Bollinger returns the middle, upper, and lower band for the last value.
func Bollinger(values []float64, period int, numStdDev float64) (middle, upper, lower float64) {
	middle = SMA(values, period)
	sd := StdDev(values, period)
	upper = middle + numStdDev*sd
	lower = middle - numStdDev*sd
	return middle, upper, lower
}

// ROC is the rate of change over the last period bars, as a fraction.
func ROC(values []float64, period int) float64 {
	n := len(values)
	if period <= 0 || n < period+1 {
		return 0
	}
	base := values[n-1-period]
	if base == 0 {
		return 0
	}
	return (values[n-1] - base) / base
}

// Highest returns the maximum of the last period values.
func Highest(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	max := values[len(values)-period]
	for i := len(values) - period + 1; i < len(values); i++ {
		if values[i] > max {
			max = values[i]
		}
	}
	return max
}

// Mean is the arithmetic mean of the whole slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// ZScore returns how many standard deviations the last value sits from the
// mean of the whole slice; 0 when the deviation is 0.
func ZScore(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	sd := math.Sqrt(sum / float64(n))
	if sd == 0 {
		return 0
	}
	return (values[n-1] - mean) / sd
}
