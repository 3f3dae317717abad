package market

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"quantcore/internal/core"
)

// SimClient is an in-process exchange used for dry runs and tests. Candles
// come from a seeded random walk so repeated runs are deterministic; account
// calls mutate a simple in-memory book.
type SimClient struct {
	mu        sync.Mutex
	seed      int64
	startTime int64
	start     float64
	step      float64
	equity    float64
	positions map[string]Position
	funding   map[string][]FundingRate
}

// NewSimClient creates a simulated exchange with the given starting equity.
func NewSimClient(seed int64, startPrice, equity float64) *SimClient {
	if startPrice <= 0 {
		startPrice = 100
	}
	return &SimClient{
		seed:      seed,
		startTime: 1_700_000_000_000,
		start:     startPrice,
		step:      startPrice * 0.002,
		equity:    equity,
		positions: make(map[string]Position),
		funding:   make(map[string][]FundingRate),
	}
}

// SetFundingHistory seeds funding observations for a symbol.
func (s *SimClient) SetFundingHistory(symbol string, rates []FundingRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding[symbol] = rates
}

// series deterministically regenerates the walk for (symbol, interval) up to
// n bars ending at the most recent bar boundary.
func (s *SimClient) series(symbol, interval string, n int, start, end int64) []Candle {
	step := IntervalMillis(interval)
	first := s.startTime
	if start > 0 {
		first = start - (start-s.startTime)%step
		if first < s.startTime {
			first = s.startTime
		}
	}

	rng := rand.New(rand.NewSource(s.seed + int64(len(symbol))*7919))
	price := s.start
	var out []Candle
	ts := s.startTime
	for len(out) < n {
		open := price
		drift := (rng.Float64()*2 - 1) * s.step
		closePrice := open + drift
		high := math.Max(open, closePrice) + rng.Float64()*s.step/2
		low := math.Min(open, closePrice) - rng.Float64()*s.step/2
		volume := 100 + rng.Float64()*50
		if ts >= first && (end == 0 || ts <= end) {
			out = append(out, Candle{
				Timestamp: ts,
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closePrice,
				Volume:    volume,
				Confirmed: true,
			})
		}
		price = closePrice
		ts += step
		if end > 0 && ts > end {
			break
		}
		if end == 0 && ts > s.startTime+int64(n)*step*4 {
			break
		}
	}
	return out
}

func (s *SimClient) GetCandles(_ context.Context, symbol, interval string, limit int, start, end int64) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return s.series(symbol, interval, limit, start, end), nil
}

func (s *SimClient) GetTicker(_ context.Context, symbol string) (Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series := s.series(symbol, "1", 1, 0, 0)
	if len(series) == 0 {
		return Ticker{}, core.Exchangef("no price for %s", symbol)
	}
	last := series[len(series)-1]
	return Ticker{Symbol: symbol, Price: last.Close, Time: last.Timestamp}, nil
}

func (s *SimClient) GetFundingRateHistory(_ context.Context, symbol string, limit int) ([]FundingRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rates := s.funding[symbol]
	if limit > 0 && len(rates) > limit {
		rates = rates[len(rates)-limit:]
	}
	out := make([]FundingRate, len(rates))
	copy(out, rates)
	return out, nil
}

func (s *SimClient) GetOpenInterest(_ context.Context, symbol string) (OpenInterest, error) {
	return OpenInterest{Symbol: symbol, Value: 1_000_000}, nil
}

func (s *SimClient) GetTotalEquity(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity, nil
}

// SetEquity overrides total equity; used to exercise drawdown paths in tests.
func (s *SimClient) SetEquity(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity = equity
}

func (s *SimClient) GetBalances(_ context.Context) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balance{TotalEquity: s.equity, Available: s.equity}, nil
}

func (s *SimClient) GetPositions(_ context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *SimClient) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Quantity <= 0 {
		return OrderResult{}, core.Validationf("order quantity must be positive")
	}
	side := "LONG"
	if req.Side == "SELL" {
		side = "SHORT"
	}
	if req.ReduceOnly {
		delete(s.positions, req.Symbol)
	} else {
		s.positions[req.Symbol] = Position{
			Symbol:     req.Symbol,
			Side:       side,
			Quantity:   req.Quantity,
			EntryPrice: req.Price,
			MarkPrice:  req.Price,
			Margin:     req.Quantity * req.Price,
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return OrderResult{
		OrderID:   id,
		Symbol:    req.Symbol,
		Status:    "FILLED",
		AvgPrice:  req.Price,
		FilledQty: req.Quantity,
	}, nil
}

func (s *SimClient) SetLeverage(_ context.Context, _ string, _ float64) error { return nil }

func (s *SimClient) SetStopLossTakeProfit(_ context.Context, _ string, _, _ float64) error {
	return nil
}

func (s *SimClient) CancelOrder(_ context.Context, _, _ string) error { return nil }
