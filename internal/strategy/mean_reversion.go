package strategy

import (
	"fmt"

	"quantcore/internal/indicators"
)

// MeanReversion fades moves outside the Bollinger bands when RSI agrees.
// It runs on a shorter primary timeframe with a smaller capital share than
// the trend strategies and exits when price reverts to the band middle.
type MeanReversion struct {
	base

	side       int
	entryPrice float64
}

func NewMeanReversion(cfg *Config) *MeanReversion {
	return &MeanReversion{base: newBase(cfg)}
}

func (s *MeanReversion) Initialize(mtf MultiTimeframeCandles) error {
	if s.currentStatus() == StatusError {
		return nil
	}
	if len(mtf[s.cfg.PrimaryTimeframe]) < s.cfg.WarmupCandles {
		s.setStatus(StatusWarmingUp)
		return nil
	}
	s.setStatus(StatusRunning)
	return nil
}

func (s *MeanReversion) Reset() {
	s.resetBase()
	s.side = 0
	s.entryPrice = 0
}

func (s *MeanReversion) OnCandle(mtf MultiTimeframeCandles) ([]Signal, error) {
	primary := mtf[s.cfg.PrimaryTimeframe]
	if s.currentStatus() == StatusWarmingUp && len(primary) >= s.cfg.WarmupCandles {
		s.setStatus(StatusRunning)
	}
	if s.currentStatus() != StatusRunning || len(primary) < s.cfg.WarmupCandles {
		return nil, nil
	}
	symbol := s.cfg.Symbols[0]

	closes := make([]float64, len(primary))
	for i, c := range primary {
		closes[i] = c.Close
	}
	price := closes[len(closes)-1]

	period := int(s.cfg.Param("bb_period", 20))
	numStd := s.cfg.Param("bb_std", 2.0)
	middle, upper, lower := indicators.Bollinger(closes, period, numStd)
	rsi := indicators.RSI(closes, int(s.cfg.Param("rsi_period", 14)))

	snapshot := map[string]float64{
		"bb_middle": middle,
		"bb_upper":  upper,
		"bb_lower":  lower,
		"rsi":       rsi,
	}

	// Exit when price reverts through the band middle.
	if s.side != 0 {
		reverted := (s.side > 0 && price >= middle) || (s.side < 0 && price <= middle)
		if reverted {
			s.side = 0
			s.entryPrice = 0
			sig := Signal{
				Action:     ActionExit,
				Symbol:     symbol,
				Confidence: 1,
				Reason:     "price reverted to band middle",
				Indicators: snapshot,
			}
			s.record(sig)
			return []Signal{sig}, nil
		}
		return nil, nil
	}

	oversold := s.cfg.Param("rsi_oversold", 30)
	overbought := s.cfg.Param("rsi_overbought", 70)
	stopPct := s.cfg.Param("stop_pct", 0.02)

	switch {
	case price < lower && rsi < oversold:
		s.side = 1
		s.entryPrice = price
		sig := Signal{
			Action:     ActionEntryLong,
			Symbol:     symbol,
			Confidence: confidenceFromRSI(rsi, oversold, true),
			StopLoss:   price * (1 - stopPct),
			TakeProfit: middle,
			Reason:     fmt.Sprintf("close below lower band with RSI %.1f", rsi),
			Indicators: snapshot,
		}
		s.record(sig)
		return []Signal{sig}, nil

	case price > upper && rsi > overbought:
		s.side = -1
		s.entryPrice = price
		sig := Signal{
			Action:     ActionEntryShort,
			Symbol:     symbol,
			Confidence: confidenceFromRSI(rsi, overbought, false),
			StopLoss:   price * (1 + stopPct),
			TakeProfit: middle,
			Reason:     fmt.Sprintf("close above upper band with RSI %.1f", rsi),
			Indicators: snapshot,
		}
		s.record(sig)
		return []Signal{sig}, nil
	}

	return nil, nil
}

// confidenceFromRSI scales signal strength with how far RSI sits beyond its
// threshold, clamped to [0.5, 1].
func confidenceFromRSI(rsi, threshold float64, long bool) float64 {
	var excess float64
	if long {
		excess = threshold - rsi
	} else {
		excess = rsi - threshold
	}
	conf := 0.5 + excess/60
	if conf > 1 {
		conf = 1
	}
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}
