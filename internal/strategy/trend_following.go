package strategy

import (
	"fmt"
	"math"

	"quantcore/internal/indicators"
)

// TrendFollowing trades 4h EMA crossovers in the direction of the daily
// regime. The daily EMA(50) and ADX(14) gate entries; RSI and a volume
// multiple confirm them. Stops and targets are ATR multiples with a tighter
// trailing stop that only ever moves in the favorable direction.
type TrendFollowing struct {
	base

	side       int // +1 long, -1 short, 0 flat
	entryPrice float64
	stop       float64
	target     float64
}

// NewTrendFollowing builds the variant around cfg. Primary timeframe is the
// 4h series; the daily series supplies the regime filter.
func NewTrendFollowing(cfg *Config) *TrendFollowing {
	return &TrendFollowing{base: newBase(cfg)}
}

func (s *TrendFollowing) Initialize(mtf MultiTimeframeCandles) error {
	if s.currentStatus() == StatusError {
		return nil
	}
	primary := mtf[s.cfg.PrimaryTimeframe]
	if len(primary) < s.cfg.WarmupCandles {
		s.setStatus(StatusWarmingUp)
		return nil
	}
	s.setStatus(StatusRunning)
	return nil
}

func (s *TrendFollowing) Reset() {
	s.resetBase()
	s.side = 0
	s.entryPrice = 0
	s.stop = 0
	s.target = 0
}

func (s *TrendFollowing) OnCandle(mtf MultiTimeframeCandles) ([]Signal, error) {
	if s.currentStatus() != StatusRunning {
		if s.currentStatus() == StatusWarmingUp {
			// Late warmup completion: promote once enough history arrived.
			if len(mtf[s.cfg.PrimaryTimeframe]) >= s.cfg.WarmupCandles {
				s.setStatus(StatusRunning)
			} else {
				return nil, nil
			}
		} else {
			return nil, nil
		}
	}

	primary := mtf[s.cfg.PrimaryTimeframe]
	if len(primary) < s.cfg.WarmupCandles {
		return nil, nil
	}
	symbol := s.cfg.Symbols[0]

	closes := make([]float64, len(primary))
	highs := make([]float64, len(primary))
	lows := make([]float64, len(primary))
	volumes := make([]float64, len(primary))
	for i, c := range primary {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	price := closes[len(closes)-1]

	fastPeriod := int(s.cfg.Param("ema_fast", 9))
	slowPeriod := int(s.cfg.Param("ema_slow", 21))
	atrPeriod := int(s.cfg.Param("atr_period", 14))
	adxPeriod := int(s.cfg.Param("adx_period", 14))

	fastSeries := indicators.EMASeries(closes, fastPeriod)
	slowSeries := indicators.EMASeries(closes, slowPeriod)
	n := len(closes)
	fast, slow := fastSeries[n-1], slowSeries[n-1]
	fastPrev, slowPrev := fastSeries[n-2], slowSeries[n-2]
	crossUp := fastPrev <= slowPrev && fast > slow
	crossDown := fastPrev >= slowPrev && fast < slow

	atr := indicators.ATR(highs, lows, closes, atrPeriod)
	adx := indicators.ADX(highs, lows, closes, adxPeriod)
	rsi := indicators.RSI(closes, int(s.cfg.Param("rsi_period", 14)))
	volSMA := indicators.SMA(volumes, int(s.cfg.Param("volume_sma", 20)))
	volumeOK := volSMA > 0 && volumes[n-1] > s.cfg.Param("volume_factor", 1.2)*volSMA

	snapshot := map[string]float64{
		"ema_fast": fast,
		"ema_slow": slow,
		"adx":      adx,
		"rsi":      rsi,
		"atr":      atr,
	}

	var signals []Signal

	// Manage an open position first: trailing stop and exit conditions.
	if s.side != 0 {
		if sig := s.manage(symbol, price, atr, adx, crossUp, crossDown, snapshot); sig != nil {
			signals = append(signals, *sig)
			s.record(*sig)
			return signals, nil
		}
	}

	if s.side != 0 {
		return signals, nil
	}

	// Daily regime filter.
	bull, bear := s.regime(mtf)
	if !bull && !bear {
		return nil, nil
	}

	adxEntry := s.cfg.Param("adx_entry", 25)
	stopMul := s.cfg.Param("stop_atr", 2.0)
	targetMul := s.cfg.Param("target_atr", 3.0)
	confidence := math.Min(1, adx/50)

	switch {
	case bull && crossUp && adx >= adxEntry && rsi >= s.cfg.Param("rsi_long_min", 50) && rsi <= s.cfg.Param("rsi_long_max", 70) && volumeOK && atr > 0:
		s.side = 1
		s.entryPrice = price
		s.stop = price - stopMul*atr
		s.target = price + targetMul*atr
		sig := Signal{
			Action:     ActionEntryLong,
			Symbol:     symbol,
			Confidence: confidence,
			StopLoss:   s.stop,
			TakeProfit: s.target,
			Reason:     fmt.Sprintf("bullish EMA cross with ADX %.1f and volume confirmation", adx),
			Indicators: snapshot,
		}
		s.record(sig)
		signals = append(signals, sig)

	case bear && crossDown && adx >= adxEntry && rsi >= s.cfg.Param("rsi_short_min", 30) && rsi <= s.cfg.Param("rsi_short_max", 50) && volumeOK && atr > 0:
		s.side = -1
		s.entryPrice = price
		s.stop = price + stopMul*atr
		s.target = price - targetMul*atr
		sig := Signal{
			Action:     ActionEntryShort,
			Symbol:     symbol,
			Confidence: confidence,
			StopLoss:   s.stop,
			TakeProfit: s.target,
			Reason:     fmt.Sprintf("bearish EMA cross with ADX %.1f and volume confirmation", adx),
			Indicators: snapshot,
		}
		s.record(sig)
		signals = append(signals, sig)
	}

	return signals, nil
}

// manage handles trailing and exits for an open position. Returns a signal
// when the position should be closed or its stop moved.
func (s *TrendFollowing) manage(symbol string, price, atr, adx float64, crossUp, crossDown bool, snapshot map[string]float64) *Signal {
	adxExit := s.cfg.Param("adx_exit", 20)
	opposing := (s.side > 0 && crossDown) || (s.side < 0 && crossUp)

	if adx < adxExit || opposing {
		reason := "trend strength decayed"
		if opposing {
			reason = "opposing EMA cross"
		}
		s.side = 0
		s.entryPrice = 0
		s.stop = 0
		s.target = 0
		return &Signal{
			Action:     ActionExit,
			Symbol:     symbol,
			Confidence: 1,
			Reason:     reason,
			Indicators: snapshot,
		}
	}

	// Trailing stop: tighter multiple, moves only in the favorable direction.
	if atr > 0 {
		trail := s.cfg.Param("trail_atr", 1.5)
		if s.side > 0 {
			candidate := price - trail*atr
			if candidate > s.stop {
				s.stop = candidate
				return &Signal{
					Action:      ActionAdjust,
					Symbol:      symbol,
					Confidence:  1,
					NewStopLoss: s.stop,
					Reason:      "trailing stop raised",
					Indicators:  snapshot,
				}
			}
		} else {
			candidate := price + trail*atr
			if candidate < s.stop {
				s.stop = candidate
				return &Signal{
					Action:      ActionAdjust,
					Symbol:      symbol,
					Confidence:  1,
					NewStopLoss: s.stop,
					Reason:      "trailing stop lowered",
					Indicators:  snapshot,
				}
			}
		}
	}
	return nil
}

// regime evaluates the daily EMA(50)/ADX filter. Bull allows longs, bear
// allows shorts; a flat regime allows neither.
func (s *TrendFollowing) regime(mtf MultiTimeframeCandles) (bull, bear bool) {
	daily := mtf[s.dailyTimeframe()]
	regimePeriod := int(s.cfg.Param("regime_ema", 50))
	if len(daily) < regimePeriod {
		return false, false
	}
	closes := make([]float64, len(daily))
	highs := make([]float64, len(daily))
	lows := make([]float64, len(daily))
	for i, c := range daily {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	ema := indicators.EMA(closes, regimePeriod)
	adx := indicators.ADX(highs, lows, closes, int(s.cfg.Param("adx_period", 14)))
	price := closes[len(closes)-1]

	trending := adx >= s.cfg.Param("regime_adx", 20)
	return price > ema && trending, price < ema && trending
}

// dailyTimeframe picks the daily interval from the configured timeframes,
// falling back to the last declared timeframe.
func (s *TrendFollowing) dailyTimeframe() string {
	for _, tf := range s.cfg.Timeframes {
		if tf == "D" || tf == "1d" {
			return tf
		}
	}
	return s.cfg.Timeframes[len(s.cfg.Timeframes)-1]
}
