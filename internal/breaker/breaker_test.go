package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quantcore/internal/market"
	"quantcore/internal/portfolio"
)

type fakeExec struct {
	mu      sync.Mutex
	runners map[string]map[string]bool // accountID → strategyID → paused
}

func newFakeExec(accountID string, strategyIDs ...string) *fakeExec {
	runners := map[string]map[string]bool{accountID: {}}
	for _, id := range strategyIDs {
		runners[accountID][id] = false
	}
	return &fakeExec{runners: runners}
}

func (f *fakeExec) Pause(accountID, strategyID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runners[accountID][strategyID]; !ok {
		return false
	}
	f.runners[accountID][strategyID] = true
	return true
}

func (f *fakeExec) Resume(accountID, strategyID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runners[accountID][strategyID]; !ok {
		return false
	}
	f.runners[accountID][strategyID] = false
	return true
}

func (f *fakeExec) RunningStrategies(accountID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, paused := range f.runners[accountID] {
		if !paused {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeExec) AccountIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.runners {
		out = append(out, id)
	}
	return out
}

func (f *fakeExec) paused(accountID, strategyID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[accountID][strategyID]
}

type fakePortfolio struct {
	mu          sync.Mutex
	drawdown    float64
	drawdownErr error
	strategyDD  map[string]float64
}

func (f *fakePortfolio) CurrentDrawdown(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drawdownErr != nil {
		return 0, f.drawdownErr
	}
	return f.drawdown, nil
}

func (f *fakePortfolio) StrategyDrawdowns(context.Context, string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.strategyDD))
	for k, v := range f.strategyDD {
		out[k] = v
	}
	return out, nil
}

func (f *fakePortfolio) set(dd float64) {
	f.mu.Lock()
	f.drawdown = dd
	f.mu.Unlock()
}

func TestPortfolioHysteresis(t *testing.T) {
	exec := newFakeExec("acct-1", "trend", "carry")
	pf := &fakePortfolio{}
	b := New(DefaultConfig(), exec, pf, nil)
	ctx := context.Background()

	// Peak 10000, equity 7400: 26% breaches the 25% trigger.
	pf.set(26)
	b.Evaluate(ctx, "acct-1")

	status := b.Status("acct-1")
	if !status.PortfolioTriggered {
		t.Fatal("portfolio breaker did not trigger at 26% drawdown")
	}
	for _, id := range []string{"trend", "carry"} {
		if !exec.paused("acct-1", id) {
			t.Fatalf("strategy %s not paused by portfolio halt", id)
		}
		rec, ok := status.Halted[id]
		if !ok || rec.Reason != ReasonPortfolio {
			t.Fatalf("halt record for %s = %+v, want reason portfolio", id, rec)
		}
	}

	// 12% sits between resume (10%) and trigger (25%): the halt holds.
	pf.set(12)
	b.Evaluate(ctx, "acct-1")
	if status := b.Status("acct-1"); !status.PortfolioTriggered {
		t.Fatal("breaker released inside the hysteresis band")
	}
	if !exec.paused("acct-1", "trend") {
		t.Fatal("strategy resumed inside the hysteresis band")
	}

	// Equity 9200: 8% is under the 10% auto-resume line.
	pf.set(8)
	b.Evaluate(ctx, "acct-1")
	status = b.Status("acct-1")
	if status.PortfolioTriggered {
		t.Fatal("breaker still triggered below the auto-resume threshold")
	}
	if len(status.Halted) != 0 {
		t.Fatalf("halt records remain after release: %v", status.Halted)
	}
	for _, id := range []string{"trend", "carry"} {
		if exec.paused("acct-1", id) {
			t.Fatalf("strategy %s not resumed on release", id)
		}
	}
}

func TestForceResume(t *testing.T) {
	exec := newFakeExec("acct-1", "trend")
	pf := &fakePortfolio{}
	b := New(DefaultConfig(), exec, pf, nil)
	ctx := context.Background()

	// Non-triggered account: false, nothing mutated.
	if b.ForceResume("acct-1") {
		t.Fatal("ForceResume on a non-triggered account returned true")
	}
	if exec.paused("acct-1", "trend") {
		t.Fatal("ForceResume on a non-triggered account touched a runner")
	}

	pf.set(30)
	b.Evaluate(ctx, "acct-1")
	if !exec.paused("acct-1", "trend") {
		t.Fatal("precondition: trigger did not pause the runner")
	}

	// ForceResume bypasses the drawdown check entirely.
	if !b.ForceResume("acct-1") {
		t.Fatal("ForceResume on a triggered account returned false")
	}
	if exec.paused("acct-1", "trend") {
		t.Fatal("ForceResume did not resume the runner")
	}
	if b.ForceResume("acct-1") {
		t.Fatal("second ForceResume returned true")
	}
}

func TestStrategyLevelHalt(t *testing.T) {
	exec := newFakeExec("acct-1", "trend", "carry")
	pf := &fakePortfolio{strategyDD: map[string]float64{"trend": 16, "carry": 3}}
	b := New(DefaultConfig(), exec, pf, nil)
	ctx := context.Background()

	pf.set(5) // portfolio healthy, strategy level runs
	b.Evaluate(ctx, "acct-1")

	if !exec.paused("acct-1", "trend") {
		t.Fatal("trend not halted at 16% strategy drawdown")
	}
	if exec.paused("acct-1", "carry") {
		t.Fatal("carry halted despite healthy drawdown")
	}
	status := b.Status("acct-1")
	if rec := status.Halted["trend"]; rec.Reason != ReasonStrategy {
		t.Fatalf("halt reason = %s, want strategy", rec.Reason)
	}

	// Recovery below the auto-resume line releases only that strategy.
	pf.mu.Lock()
	pf.strategyDD["trend"] = 6
	pf.mu.Unlock()
	b.Evaluate(ctx, "acct-1")
	if exec.paused("acct-1", "trend") {
		t.Fatal("trend not resumed after drawdown recovery")
	}

	// ForceResumeStrategy on a strategy that is not halted returns false.
	if b.ForceResumeStrategy("acct-1", "trend") {
		t.Fatal("ForceResumeStrategy on non-halted strategy returned true")
	}
}

// equityClient serves a fixed equity reading to the portfolio manager.
type equityClient struct {
	market.Client
	equity float64
}

func (c *equityClient) GetTotalEquity(context.Context) (float64, error) {
	return c.equity, nil
}

func TestStrategyHaltFromRecordedLosses(t *testing.T) {
	exec := newFakeExec("acct-1", "meanrev")
	pf := portfolio.NewManager(nil, nil, nil, nil, time.Minute)
	ctx := context.Background()
	pf.RegisterAccount(ctx, "acct-1", &equityClient{equity: 10000})
	b := New(DefaultConfig(), exec, pf, nil)

	// Ten losing trades: half the account given back by one strategy.
	for i := 0; i < 10; i++ {
		pf.RecordTradePnl("acct-1", "meanrev", -500)
	}

	b.Evaluate(ctx, "acct-1")
	if !exec.paused("acct-1", "meanrev") {
		t.Fatal("strategy not halted after a 50% recorded drawdown")
	}
	if rec := b.Status("acct-1").Halted["meanrev"]; rec.Reason != ReasonStrategy {
		t.Fatalf("halt reason = %s, want strategy", rec.Reason)
	}
}

func TestMissingDrawdownKeepsStrategyHalted(t *testing.T) {
	exec := newFakeExec("acct-1", "trend")
	pf := &fakePortfolio{strategyDD: map[string]float64{"trend": 16}}
	b := New(DefaultConfig(), exec, pf, nil)
	ctx := context.Background()

	b.Evaluate(ctx, "acct-1")
	if !exec.paused("acct-1", "trend") {
		t.Fatal("precondition: trend not halted at 16% drawdown")
	}

	// The reading disappears: the halt holds, absence is not recovery.
	pf.mu.Lock()
	delete(pf.strategyDD, "trend")
	pf.mu.Unlock()
	b.Evaluate(ctx, "acct-1")
	if !exec.paused("acct-1", "trend") {
		t.Fatal("strategy resumed on a missing drawdown reading")
	}

	// A real reading below the line releases it.
	pf.mu.Lock()
	pf.strategyDD["trend"] = 6
	pf.mu.Unlock()
	b.Evaluate(ctx, "acct-1")
	if exec.paused("acct-1", "trend") {
		t.Fatal("strategy not resumed once the reading recovered")
	}
}

func TestEvaluationErrorSkipsTick(t *testing.T) {
	exec := newFakeExec("acct-1", "trend")
	pf := &fakePortfolio{drawdownErr: errors.New("venue unreachable")}
	b := New(DefaultConfig(), exec, pf, nil)

	b.Evaluate(context.Background(), "acct-1")

	if exec.paused("acct-1", "trend") {
		t.Fatal("a failed drawdown fetch was treated as a breach")
	}
	if b.Status("acct-1").PortfolioTriggered {
		t.Fatal("breaker triggered on an evaluation error")
	}
}
