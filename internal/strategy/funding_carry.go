package strategy

import (
	"fmt"
	"math"

	"quantcore/internal/indicators"
	"quantcore/internal/market"
)

// FundingCarry harvests the funding premium of perpetual futures. It trades
// the funding-rate time series, not price momentum: an extreme funding
// z-score with a confirming short-term average and rising open interest
// opens a position against the crowded side; the position closes when the
// z-score reverts toward zero or after a bounded number of settlement
// periods, whichever comes first.
//
// Funding metrics arrive through UpdateFundingData, an explicit second input
// beside the candle stream. OnCandle only acts on data already pushed.
type FundingCarry struct {
	base

	rates        []float64
	settlements  int // total settlements observed
	openInterest []float64

	side        int
	entrySettle int // settlement count at entry
	entryZScore float64
}

func NewFundingCarry(cfg *Config) *FundingCarry {
	return &FundingCarry{base: newBase(cfg)}
}

// UpdateFundingData pushes the latest funding-rate history and open-interest
// observations for the strategy's symbol. Full history replaces the previous
// window; the settlement counter advances by the number of new observations.
func (s *FundingCarry) UpdateFundingData(rates []market.FundingRate, openInterest []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(rates) > len(s.rates) {
		s.settlements += len(rates) - len(s.rates)
	}
	s.rates = make([]float64, len(rates))
	for i, r := range rates {
		s.rates[i] = r.Rate
	}
	s.openInterest = append([]float64(nil), openInterest...)
}

func (s *FundingCarry) Initialize(mtf MultiTimeframeCandles) error {
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

func (s *FundingCarry) Reset() {
	s.resetBase()
	s.mu.Lock()
	s.rates = nil
	s.openInterest = nil
	s.settlements = 0
	s.side = 0
	s.entrySettle = 0
	s.entryZScore = 0
	s.mu.Unlock()
}

func (s *FundingCarry) OnCandle(mtf MultiTimeframeCandles) ([]Signal, error) {
	primary := mtf[s.cfg.PrimaryTimeframe]
	if s.currentStatus() == StatusWarmingUp && len(primary) >= s.cfg.WarmupCandles {
		s.setStatus(StatusRunning)
	}
	if s.currentStatus() != StatusRunning {
		return nil, nil
	}
	symbol := s.cfg.Symbols[0]

	s.mu.Lock()
	window := int(s.cfg.Param("zscore_window", 90)) // ~30d of 8h settlements
	shortWindow := int(s.cfg.Param("short_window", 21))
	rates := s.rates
	oi := s.openInterest
	settlements := s.settlements
	s.mu.Unlock()

	if len(rates) < window {
		return nil, nil
	}

	zWindow := rates[len(rates)-window:]
	z := indicators.ZScore(zWindow)
	shortAvg := indicators.Mean(rates[len(rates)-shortWindow:])
	oiRising := len(oi) >= 2 && oi[len(oi)-1] > oi[len(oi)-2]

	snapshot := map[string]float64{
		"funding_zscore":    z,
		"funding_avg_short": shortAvg,
	}
	if len(oi) > 0 {
		snapshot["open_interest"] = oi[len(oi)-1]
	}

	// Exit checks run first: reversion band or max holding periods.
	if s.side != 0 {
		revertLo := s.cfg.Param("revert_low", -0.5)
		revertHi := s.cfg.Param("revert_high", 0.5)
		maxHold := int(s.cfg.Param("max_hold_periods", 21))

		reverted := z >= revertLo && z <= revertHi
		expired := settlements-s.entrySettle >= maxHold
		if reverted || expired {
			reason := "funding z-score reverted"
			if expired && !reverted {
				reason = fmt.Sprintf("max holding of %d settlement periods reached", maxHold)
			}
			s.side = 0
			s.entrySettle = 0
			sig := Signal{
				Action:     ActionExit,
				Symbol:     symbol,
				Confidence: 1,
				Reason:     reason,
				Indicators: snapshot,
			}
			s.record(sig)
			return []Signal{sig}, nil
		}
		return nil, nil
	}

	entryZ := s.cfg.Param("entry_zscore", 1.5)
	confidence := math.Min(1, math.Abs(z)/3)

	switch {
	case z >= entryZ && shortAvg > 0 && oiRising:
		// Longs pay shorts at an extreme rate: collect by being short.
		s.side = -1
		s.entrySettle = settlements
		s.entryZScore = z
		sig := Signal{
			Action:     ActionEntryShort,
			Symbol:     symbol,
			Confidence: confidence,
			Reason:     fmt.Sprintf("funding z-score %.2f above %.2f with positive short-term average", z, entryZ),
			Indicators: snapshot,
		}
		s.record(sig)
		return []Signal{sig}, nil

	case z <= -entryZ && shortAvg < 0 && oiRising:
		s.side = 1
		s.entrySettle = settlements
		s.entryZScore = z
		sig := Signal{
			Action:     ActionEntryLong,
			Symbol:     symbol,
			Confidence: confidence,
			Reason:     fmt.Sprintf("funding z-score %.2f below %.2f with negative short-term average", z, -entryZ),
			Indicators: snapshot,
		}
		s.record(sig)
		return []Signal{sig}, nil
	}

	return nil, nil
}
