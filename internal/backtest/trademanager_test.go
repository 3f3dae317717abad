package backtest

import (
	"math"
	"testing"

	"quantcore/internal/market"
	"quantcore/internal/strategy"
)

func entrySignal(action strategy.Action, stop, target float64) strategy.Signal {
	return strategy.Signal{
		Action:     action,
		Symbol:     "BTCUSDT",
		Confidence: 1,
		StopLoss:   stop,
		TakeProfit: target,
	}
}

func bar(ts int64, open, high, low, close float64) market.Candle {
	return market.Candle{Timestamp: ts, Open: open, High: high, Low: low, Close: close, Confirmed: true}
}

func TestStopFillsBeforeTargetInSameCandle(t *testing.T) {
	tm := newTradeManager(10_000, 1, 0, 0)
	tm.onSignal(entrySignal(strategy.ActionEntryLong, 95, 105), bar(1, 100, 100, 100, 100))

	// One candle sweeps through both thresholds.
	tm.afterCandle(bar(2, 100, 110, 90, 108))

	if len(tm.trades) != 1 {
		t.Fatalf("Expected one closed trade, got %d", len(tm.trades))
	}
	tr := tm.trades[0]
	if tr.ExitReason != "stop_loss" {
		t.Fatalf("Expected the stop to fill first, got %q", tr.ExitReason)
	}
	if tr.ExitPrice != 95 {
		t.Fatalf("Threshold fills use the exact level, got %f", tr.ExitPrice)
	}
}

func TestShortStopFillsBeforeTarget(t *testing.T) {
	tm := newTradeManager(10_000, 1, 0, 0)
	tm.onSignal(entrySignal(strategy.ActionEntryShort, 105, 95), bar(1, 100, 100, 100, 100))

	tm.afterCandle(bar(2, 100, 110, 90, 92))

	if len(tm.trades) != 1 || tm.trades[0].ExitReason != "stop_loss" {
		t.Fatalf("Expected short stop to fill first, got %+v", tm.trades)
	}
	if tm.trades[0].ExitPrice != 105 {
		t.Fatalf("Expected exit at the stop level 105, got %f", tm.trades[0].ExitPrice)
	}
}

func TestSlippageAndFeesOnSignalFills(t *testing.T) {
	tm := newTradeManager(10_000, 1, 0.01, 0.001)
	tm.onSignal(entrySignal(strategy.ActionEntryLong, 0, 0), bar(1, 100, 100, 100, 100))

	if tm.pos == nil {
		t.Fatal("Entry did not open a position")
	}
	if math.Abs(tm.pos.entryPrice-101) > 1e-9 {
		t.Fatalf("Entry slippage not applied, fill %f", tm.pos.entryPrice)
	}

	tm.onSignal(strategy.Signal{Action: strategy.ActionExit, Symbol: "BTCUSDT"}, bar(2, 110, 110, 110, 110))
	if len(tm.trades) != 1 {
		t.Fatalf("Expected one trade, got %d", len(tm.trades))
	}
	tr := tm.trades[0]
	if math.Abs(tr.ExitPrice-108.9) > 1e-9 {
		t.Fatalf("Exit slippage not applied, fill %f", tr.ExitPrice)
	}

	qty := 10_000.0 / 101
	entryFee := 10_000 * 0.001
	exitFee := 108.9 * qty * 0.001
	want := (108.9-101)*qty - entryFee - exitFee
	if math.Abs(tr.Pnl-want) > 1e-6 {
		t.Fatalf("Pnl with fees wrong: got %f want %f", tr.Pnl, want)
	}
}

func TestThresholdFillsSkipSlippage(t *testing.T) {
	tm := newTradeManager(10_000, 1, 0.01, 0)
	tm.onSignal(entrySignal(strategy.ActionEntryLong, 95, 0), bar(1, 100, 100, 100, 100))

	tm.afterCandle(bar(2, 100, 100, 90, 96))

	if len(tm.trades) != 1 || tm.trades[0].ExitPrice != 95 {
		t.Fatalf("Stop fill should be the exact level without slippage: %+v", tm.trades)
	}
}

func TestSecondEntryIgnoredWhilePositionOpen(t *testing.T) {
	tm := newTradeManager(10_000, 1, 0, 0)
	tm.onSignal(entrySignal(strategy.ActionEntryLong, 0, 0), bar(1, 100, 100, 100, 100))
	first := *tm.pos

	tm.onSignal(entrySignal(strategy.ActionEntryShort, 0, 0), bar(2, 120, 120, 120, 120))
	if tm.pos.side != first.side || tm.pos.entryPrice != first.entryPrice {
		t.Fatal("Second entry replaced the open position")
	}
}

func TestAdjustMovesThresholds(t *testing.T) {
	tm := newTradeManager(10_000, 1, 0, 0)
	tm.onSignal(entrySignal(strategy.ActionEntryLong, 95, 110), bar(1, 100, 100, 100, 100))

	tm.onSignal(strategy.Signal{Action: strategy.ActionAdjust, Symbol: "BTCUSDT", NewStopLoss: 98}, bar(2, 102, 102, 102, 102))
	if tm.pos.stop != 98 || tm.pos.target != 110 {
		t.Fatalf("Adjust wrong: stop %f target %f", tm.pos.stop, tm.pos.target)
	}
}

func TestForceCloseSettlesAtClose(t *testing.T) {
	tm := newTradeManager(10_000, 2, 0, 0)
	tm.onSignal(entrySignal(strategy.ActionEntryLong, 0, 0), bar(1, 100, 100, 100, 100))

	tm.forceClose(bar(5, 104, 104, 104, 104))
	if len(tm.trades) != 1 {
		t.Fatalf("Expected forced close, got %d trades", len(tm.trades))
	}
	tr := tm.trades[0]
	if tr.ExitReason != "end_of_backtest" || tr.ExitPrice != 104 {
		t.Fatalf("Unexpected forced close: %+v", tr)
	}
	// qty = 10000 * 2 / 100 = 200, pnl = 4 * 200 = 800
	if math.Abs(tr.Pnl-800) > 1e-9 {
		t.Fatalf("Leverage sizing wrong, pnl %f", tr.Pnl)
	}
}
