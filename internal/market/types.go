// Package market defines the normalized market-data and account types the
// core consumes, independent of any one venue's wire format.
package market

import (
	"context"
	"time"
)

// Candle is a single OHLCV bar. Timestamps are UTC milliseconds and strictly
// ascending within a series. A candle is immutable once produced.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Confirmed bool    `json:"confirmed"`
}

// Time returns the candle open time as a time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// Ticker is a last-price snapshot for a symbol.
type Ticker struct {
	Symbol string
	Price  float64
	Time   int64
}

// FundingRate is one funding settlement observation for a perpetual symbol.
type FundingRate struct {
	Symbol      string
	Rate        float64
	FundingTime int64
}

// OpenInterest is an open-interest observation for a symbol.
type OpenInterest struct {
	Symbol string
	Value  float64
	Time   int64
}

// Balance is a normalized account balance snapshot.
type Balance struct {
	TotalEquity   float64
	Available     float64
	UnrealizedPnl float64
}

// Position is a normalized open position.
type Position struct {
	Symbol        string
	Side          string // LONG or SHORT
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      float64
	Margin        float64
	UnrealizedPnl float64
}

// OrderRequest is a normalized order intent submitted to a venue.
type OrderRequest struct {
	ID         string
	Symbol     string
	Side       string // BUY or SELL
	Type       string // MARKET or LIMIT
	Quantity   float64
	Price      float64
	ReduceOnly bool
	StopLoss   float64
	TakeProfit float64
}

// OrderResult is the venue's acknowledgement of an order.
type OrderResult struct {
	OrderID   string
	Symbol    string
	Status    string
	AvgPrice  float64
	FilledQty float64
}

// Client is the exchange collaborator contract. Implementations normalize one
// venue's wire format into the domain types above.
type Client interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int, start, end int64) ([]Candle, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRate, error)
	GetOpenInterest(ctx context.Context, symbol string) (OpenInterest, error)

	GetTotalEquity(ctx context.Context) (float64, error)
	GetBalances(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	SetStopLossTakeProfit(ctx context.Context, symbol string, stopLoss, takeProfit float64) error
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// IntervalMillis maps an interval identifier to its bar length in ms.
// Intervals follow the common venue notation: minutes as bare numbers or
// "Nm", hours as "Nh", days "1d", weeks "1w".
func IntervalMillis(interval string) int64 {
	if ms, ok := intervalTable[interval]; ok {
		return ms
	}
	return 60_000
}

// BarsPerYear returns the number of bars of the given interval in one year,
// used to annualize per-bar return statistics.
func BarsPerYear(interval string) float64 {
	ms := IntervalMillis(interval)
	const yearMs = 365.0 * 24 * 60 * 60 * 1000
	return yearMs / float64(ms)
}

var intervalTable = map[string]int64{
	"1":   60_000,
	"1m":  60_000,
	"3":   3 * 60_000,
	"3m":  3 * 60_000,
	"5":   5 * 60_000,
	"5m":  5 * 60_000,
	"15":  15 * 60_000,
	"15m": 15 * 60_000,
	"30":  30 * 60_000,
	"30m": 30 * 60_000,
	"60":  60 * 60_000,
	"1h":  60 * 60_000,
	"240": 4 * 60 * 60_000,
	"4h":  4 * 60 * 60_000,
	"D":   24 * 60 * 60_000,
	"1d":  24 * 60 * 60_000,
	"W":   7 * 24 * 60 * 60_000,
	"1w":  7 * 24 * 60 * 60_000,
}
