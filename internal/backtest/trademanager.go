package backtest

import (
	"quantcore/internal/market"
	"quantcore/internal/strategy"
)

// tradeManager is the isolated fill simulator for one strategy's run. It
// holds at most one open position, sized at the full available balance
// times leverage; fractional sizing happens upstream of the simulator.
type tradeManager struct {
	balance     float64
	leverage    float64
	slippagePct float64
	feePct      float64

	pos    *simPosition
	trades []Trade
	curve  []EquityPoint
}

type simPosition struct {
	side       int // +1 long, -1 short
	quantity   float64
	entryPrice float64
	entryTime  int64
	stop       float64
	target     float64
	entryFee   float64
}

func newTradeManager(balance, leverage, slippagePct, feePct float64) *tradeManager {
	if leverage <= 0 {
		leverage = 1
	}
	return &tradeManager{
		balance:     balance,
		leverage:    leverage,
		slippagePct: slippagePct,
		feePct:      feePct,
	}
}

// onSignal applies one strategy signal at the candle's close price.
func (tm *tradeManager) onSignal(sig strategy.Signal, candle market.Candle) {
	switch sig.Action {
	case strategy.ActionEntryLong:
		tm.open(1, candle, sig)
	case strategy.ActionEntryShort:
		tm.open(-1, candle, sig)
	case strategy.ActionExit:
		tm.close(candle.Close, candle.Timestamp, "signal", true)
	case strategy.ActionAdjust:
		if tm.pos != nil {
			if sig.NewStopLoss > 0 {
				tm.pos.stop = sig.NewStopLoss
			}
			if sig.NewTakeProfit > 0 {
				tm.pos.target = sig.NewTakeProfit
			}
		}
	}
}

func (tm *tradeManager) open(side int, candle market.Candle, sig strategy.Signal) {
	if tm.pos != nil || tm.balance <= 0 {
		return
	}
	fill := tm.fillPrice(candle.Close, side > 0)
	if fill <= 0 {
		return
	}
	notional := tm.balance * tm.leverage
	qty := notional / fill
	tm.pos = &simPosition{
		side:       side,
		quantity:   qty,
		entryPrice: fill,
		entryTime:  candle.Timestamp,
		stop:       sig.StopLoss,
		target:     sig.TakeProfit,
		entryFee:   notional * tm.feePct,
	}
}

// close settles the open position at price. applySlippage is false when the
// exit price is already an exact threshold (stop or target).
func (tm *tradeManager) close(price float64, ts int64, reason string, applySlippage bool) {
	if tm.pos == nil {
		return
	}
	pos := tm.pos
	tm.pos = nil

	exit := price
	if applySlippage {
		exit = tm.fillPrice(price, pos.side < 0)
	}
	diff := exit - pos.entryPrice
	if pos.side < 0 {
		diff = -diff
	}
	exitFee := exit * pos.quantity * tm.feePct
	pnl := diff*pos.quantity - pos.entryFee - exitFee
	tm.balance += pnl

	side := "LONG"
	if pos.side < 0 {
		side = "SHORT"
	}
	tm.trades = append(tm.trades, Trade{
		Side:       side,
		EntryTime:  pos.entryTime,
		ExitTime:   ts,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exit,
		Quantity:   pos.quantity,
		Pnl:        pnl,
		ExitReason: reason,
	})
}

// afterCandle checks protective thresholds and records one equity point.
// When a candle's range crosses both the stop and the target, the stop
// fills first; the conservative tie-break is part of the simulator's
// contract.
func (tm *tradeManager) afterCandle(candle market.Candle) {
	if pos := tm.pos; pos != nil {
		if pos.side > 0 {
			switch {
			case pos.stop > 0 && candle.Low <= pos.stop:
				tm.close(pos.stop, candle.Timestamp, "stop_loss", false)
			case pos.target > 0 && candle.High >= pos.target:
				tm.close(pos.target, candle.Timestamp, "take_profit", false)
			}
		} else {
			switch {
			case pos.stop > 0 && candle.High >= pos.stop:
				tm.close(pos.stop, candle.Timestamp, "stop_loss", false)
			case pos.target > 0 && candle.Low <= pos.target:
				tm.close(pos.target, candle.Timestamp, "take_profit", false)
			}
		}
	}

	tm.curve = append(tm.curve, EquityPoint{
		Timestamp: candle.Timestamp,
		Equity:    tm.equity(candle.Close),
	})
}

// forceClose settles any position still open at the end of the series.
func (tm *tradeManager) forceClose(candle market.Candle) {
	tm.close(candle.Close, candle.Timestamp, "end_of_backtest", false)
}

// equity marks the open position to price.
func (tm *tradeManager) equity(price float64) float64 {
	if tm.pos == nil {
		return tm.balance
	}
	diff := price - tm.pos.entryPrice
	if tm.pos.side < 0 {
		diff = -diff
	}
	return tm.balance + diff*tm.pos.quantity - tm.pos.entryFee
}

// fillPrice applies the modeled slippage penalty against the taker.
func (tm *tradeManager) fillPrice(price float64, buying bool) float64 {
	if buying {
		return price * (1 + tm.slippagePct)
	}
	return price * (1 - tm.slippagePct)
}
