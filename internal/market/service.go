package market

import (
	"context"
	"sort"
	"time"

	"quantcore/internal/core"
)

// maxPageSize is the largest single candle page requested from a venue.
const maxPageSize = 1000

// CandleService fetches candle history through the exchange collaborator,
// caching unparameterized requests and paginating time-range requests.
type CandleService struct {
	client Client
	cache  *candleCache
}

// NewCandleService wraps client with a bounded 60s/100-entry cache.
func NewCandleService(client Client) *CandleService {
	return &CandleService{
		client: client,
		cache:  newCandleCache(60*time.Second, 100),
	}
}

// GetCandles returns the most recent limit candles. Only requests without an
// explicit time range are served from (and stored into) the cache.
func (s *CandleService) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if cached, ok := s.cache.get(symbol, interval, limit); ok {
		return cached, nil
	}
	candles, err := s.client.GetCandles(ctx, symbol, interval, limit, 0, 0)
	if err != nil {
		return nil, err
	}
	s.cache.put(symbol, interval, limit, candles)
	return candles, nil
}

// GetCandleRange collects the full [start, end] range page by page,
// de-duplicating by timestamp to protect against overlapping pages, and
// returns candles in ascending timestamp order.
func (s *CandleService) GetCandleRange(ctx context.Context, symbol, interval string, start, end int64) ([]Candle, error) {
	if end <= start {
		return nil, core.Validationf("end time %d must be after start time %d", end, start)
	}

	seen := make(map[int64]struct{})
	var out []Candle
	cursor := start
	step := IntervalMillis(interval)

	for cursor < end {
		page, err := s.client.GetCandles(ctx, symbol, interval, maxPageSize, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		advanced := false
		for _, c := range page {
			if c.Timestamp < start || c.Timestamp > end {
				continue
			}
			if _, dup := seen[c.Timestamp]; dup {
				continue
			}
			seen[c.Timestamp] = struct{}{}
			out = append(out, c)
			advanced = true
		}
		last := page[len(page)-1].Timestamp
		next := last + step
		if next <= cursor || !advanced {
			break
		}
		cursor = next
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
