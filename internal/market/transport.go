package market

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"quantcore/internal/core"
)

const (
	maxAttempts = 3
	baseDelay   = 500 * time.Millisecond
	maxDelay    = 5 * time.Second
)

// throttled wraps a Client with a pre-emptive rate limiter and bounded retry.
// The limiter throttles before the request is sent rather than reacting to
// venue 429 responses; retries back off exponentially up to maxAttempts.
type throttled struct {
	inner   Client
	limiter *rate.Limiter
}

// Throttle wraps client so every call reserves limiter capacity first.
// reqPerSec is the sustained request budget; burst allows short spikes.
func Throttle(client Client, reqPerSec float64, burst int) Client {
	if reqPerSec <= 0 {
		reqPerSec = 10
	}
	if burst <= 0 {
		burst = int(reqPerSec)
	}
	return &throttled{
		inner:   client,
		limiter: rate.NewLimiter(rate.Limit(reqPerSec), burst),
	}
}

// withRetry runs fn with throttling and exponential backoff. The last error
// is wrapped as an exchange error once attempts are exhausted.
func (t *throttled) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return core.Exchangef("%s: %v", op, err)
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			log.Printf("market: %s attempt %d/%d failed: %v", op, attempt, maxAttempts, lastErr)
			select {
			case <-ctx.Done():
				return core.Exchangef("%s: %v", op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	return core.Exchangef("%s after %d attempts: %v", op, maxAttempts, lastErr)
}

func (t *throttled) GetCandles(ctx context.Context, symbol, interval string, limit int, start, end int64) ([]Candle, error) {
	var out []Candle
	err := t.withRetry(ctx, "get candles", func() error {
		var err error
		out, err = t.inner.GetCandles(ctx, symbol, interval, limit, start, end)
		return err
	})
	return out, err
}

func (t *throttled) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	var out Ticker
	err := t.withRetry(ctx, "get ticker", func() error {
		var err error
		out, err = t.inner.GetTicker(ctx, symbol)
		return err
	})
	return out, err
}

func (t *throttled) GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRate, error) {
	var out []FundingRate
	err := t.withRetry(ctx, "get funding rates", func() error {
		var err error
		out, err = t.inner.GetFundingRateHistory(ctx, symbol, limit)
		return err
	})
	return out, err
}

func (t *throttled) GetOpenInterest(ctx context.Context, symbol string) (OpenInterest, error) {
	var out OpenInterest
	err := t.withRetry(ctx, "get open interest", func() error {
		var err error
		out, err = t.inner.GetOpenInterest(ctx, symbol)
		return err
	})
	return out, err
}

func (t *throttled) GetTotalEquity(ctx context.Context) (float64, error) {
	var out float64
	err := t.withRetry(ctx, "get total equity", func() error {
		var err error
		out, err = t.inner.GetTotalEquity(ctx)
		return err
	})
	return out, err
}

func (t *throttled) GetBalances(ctx context.Context) (Balance, error) {
	var out Balance
	err := t.withRetry(ctx, "get balances", func() error {
		var err error
		out, err = t.inner.GetBalances(ctx)
		return err
	})
	return out, err
}

func (t *throttled) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := t.withRetry(ctx, "get positions", func() error {
		var err error
		out, err = t.inner.GetPositions(ctx)
		return err
	})
	return out, err
}

func (t *throttled) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var out OrderResult
	err := t.withRetry(ctx, "place order", func() error {
		var err error
		out, err = t.inner.PlaceOrder(ctx, req)
		return err
	})
	return out, err
}

func (t *throttled) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return t.withRetry(ctx, "set leverage", func() error {
		return t.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (t *throttled) SetStopLossTakeProfit(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	return t.withRetry(ctx, "set sl/tp", func() error {
		return t.inner.SetStopLossTakeProfit(ctx, symbol, stopLoss, takeProfit)
	})
}

func (t *throttled) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return t.withRetry(ctx, "cancel order", func() error {
		return t.inner.CancelOrder(ctx, symbol, orderID)
	})
}
