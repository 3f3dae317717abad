package strategy

import (
	"math"
	"sort"
	"time"

	"quantcore/internal/indicators"
)

// CrossMomentum rebalances long/short baskets across its symbol universe on
// a weekly (Monday) tick. Each symbol gets a composite score from a weighted
// blend of 7/14/30-day rate of change divided by realized volatility; the
// top N become the long basket and the bottom N the short basket. Shorts are
// suppressed entirely while the reference asset trades above its 50-period
// EMA, and symbols more than 60% below their 30-day high are excluded
// regardless of score.
//
// TODO(momentum): scoring currently reads the shared reference candle series
// for every universe symbol; per-symbol multi-series plumbing is still an
// unresolved requirement and must not be silently assumed here.
type CrossMomentum struct {
	base

	longBasket  map[string]bool
	shortBasket map[string]bool
	lastRebal   time.Time
}

func NewCrossMomentum(cfg *Config) *CrossMomentum {
	return &CrossMomentum{
		base:        newBase(cfg),
		longBasket:  make(map[string]bool),
		shortBasket: make(map[string]bool),
	}
}

// SetUniverse replaces the tradable universe; the next rebalance tick picks
// up the change.
func (s *CrossMomentum) SetUniverse(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Symbols = append([]string(nil), symbols...)
}

func (s *CrossMomentum) Initialize(mtf MultiTimeframeCandles) error {
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

func (s *CrossMomentum) Reset() {
	s.resetBase()
	s.longBasket = make(map[string]bool)
	s.shortBasket = make(map[string]bool)
	s.lastRebal = time.Time{}
}

func (s *CrossMomentum) OnCandle(mtf MultiTimeframeCandles) ([]Signal, error) {
	primary := mtf[s.cfg.PrimaryTimeframe]
	if s.currentStatus() == StatusWarmingUp && len(primary) >= s.cfg.WarmupCandles {
		s.setStatus(StatusRunning)
	}
	if s.currentStatus() != StatusRunning || len(primary) < s.cfg.WarmupCandles {
		return nil, nil
	}

	now := primary[len(primary)-1].Time()
	if !s.isRebalanceTick(now) {
		return nil, nil
	}
	s.lastRebal = now

	closes := make([]float64, len(primary))
	highs := make([]float64, len(primary))
	for i, c := range primary {
		closes[i] = c.Close
		highs[i] = c.High
	}

	// Bull-market filter on the reference asset.
	refEMA := indicators.EMA(closes, int(s.cfg.Param("ref_ema", 50)))
	allowShorts := closes[len(closes)-1] <= refEMA

	scores := s.scoreUniverse(closes, highs)
	topN := int(s.cfg.Param("basket_size", 3))
	if topN > len(scores) {
		topN = len(scores)
	}

	newLong := make(map[string]bool, topN)
	newShort := make(map[string]bool, topN)
	for i := 0; i < topN; i++ {
		newLong[scores[i].symbol] = true
	}
	if allowShorts {
		for i := len(scores) - topN; i < len(scores); i++ {
			if !newLong[scores[i].symbol] {
				newShort[scores[i].symbol] = true
			}
		}
	}

	signals := s.diffBaskets(newLong, newShort)
	s.longBasket = newLong
	s.shortBasket = newShort
	return signals, nil
}

type symbolScore struct {
	symbol string
	score  float64
}

// scoreUniverse ranks every eligible universe symbol, best score first.
func (s *CrossMomentum) scoreUniverse(closes, highs []float64) []symbolScore {
	w7 := s.cfg.Param("weight_roc7", 0.5)
	w14 := s.cfg.Param("weight_roc14", 0.3)
	w30 := s.cfg.Param("weight_roc30", 0.2)
	volWindow := int(s.cfg.Param("vol_window", 30))
	maxOffHigh := s.cfg.Param("max_off_high", 0.60)

	scores := make([]symbolScore, 0, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		// Placeholder plumbing: every symbol scores against the shared
		// reference series until per-symbol feeds exist.
		roc := w7*indicators.ROC(closes, 7) + w14*indicators.ROC(closes, 14) + w30*indicators.ROC(closes, 30)
		vol := realizedVol(closes, volWindow)
		if vol == 0 {
			continue
		}

		// Exclude names deep under their 30-day high.
		high30 := indicators.Highest(highs, 30)
		if high30 > 0 {
			offHigh := (high30 - closes[len(closes)-1]) / high30
			if offHigh > maxOffHigh {
				continue
			}
		}

		scores = append(scores, symbolScore{symbol: symbol, score: roc / vol})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].symbol < scores[j].symbol
	})
	return scores
}

// diffBaskets emits exits for dropped names and entries for added ones.
func (s *CrossMomentum) diffBaskets(newLong, newShort map[string]bool) []Signal {
	var signals []Signal

	emit := func(sig Signal) {
		s.record(sig)
		signals = append(signals, sig)
	}

	for symbol := range s.longBasket {
		if !newLong[symbol] {
			emit(Signal{
				Action:     ActionExit,
				Symbol:     symbol,
				Confidence: 1,
				Reason:     "dropped from long basket at weekly rebalance",
			})
		}
	}
	for symbol := range s.shortBasket {
		if !newShort[symbol] {
			emit(Signal{
				Action:     ActionExit,
				Symbol:     symbol,
				Confidence: 1,
				Reason:     "dropped from short basket at weekly rebalance",
			})
		}
	}
	for _, symbol := range sortedKeys(newLong) {
		if !s.longBasket[symbol] {
			emit(Signal{
				Action:     ActionEntryLong,
				Symbol:     symbol,
				Confidence: 0.8,
				Reason:     "entered long basket at weekly rebalance",
			})
		}
	}
	for _, symbol := range sortedKeys(newShort) {
		if !s.shortBasket[symbol] {
			emit(Signal{
				Action:     ActionEntryShort,
				Symbol:     symbol,
				Confidence: 0.8,
				Reason:     "entered short basket at weekly rebalance",
			})
		}
	}
	return signals
}

// isRebalanceTick is true on the first Monday bar of a new ISO week.
func (s *CrossMomentum) isRebalanceTick(now time.Time) bool {
	if now.Weekday() != time.Monday {
		return false
	}
	if s.lastRebal.IsZero() {
		return true
	}
	y1, w1 := s.lastRebal.ISOWeek()
	y2, w2 := now.ISOWeek()
	return y1 != y2 || w1 != w2
}

// realizedVol is the standard deviation of simple returns over the window.
func realizedVol(closes []float64, window int) float64 {
	if window <= 1 || len(closes) < window+1 {
		return 0
	}
	returns := make([]float64, 0, window)
	for i := len(closes) - window; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := indicators.Mean(returns)
	sum := 0.0
	for _, r := range returns {
		d := r - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(returns)))
}

// sortedKeys returns map keys in deterministic order.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
