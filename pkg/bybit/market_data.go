package bybit

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"time"

	"quantcore/internal/core"
	"quantcore/internal/market"
)

// GetCandles fetches kline bars. Bybit returns newest-first; the result is
// reversed into ascending order, and the still-forming bar is marked
// unconfirmed.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int, start, end int64) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if start > 0 {
		params.Set("start", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		params.Set("end", strconv.FormatInt(end, 10))
	}

	res, err := c.doPublic(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, err
	}
	var out struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, core.Exchangef("bybit decode kline: %v", err)
	}

	step := market.IntervalMillis(interval)
	nowMs := time.Now().UnixMilli()
	candles := make([]market.Candle, 0, len(out.List))
	for _, row := range out.List {
		if len(row) < 6 {
			continue
		}
		ts := parseInt(row[0])
		candles = append(candles, market.Candle{
			Timestamp: ts,
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			Confirmed: ts+step <= nowMs,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return candles, nil
}

// GetTicker returns the last traded price for symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)

	res, err := c.doPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return market.Ticker{}, err
	}
	var out struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return market.Ticker{}, core.Exchangef("bybit decode ticker: %v", err)
	}
	if len(out.List) == 0 {
		return market.Ticker{}, core.NotFoundf("no ticker for %s", symbol)
	}
	return market.Ticker{
		Symbol: out.List[0].Symbol,
		Price:  parseFloat(out.List[0].LastPrice),
		Time:   time.Now().UnixMilli(),
	}, nil
}

// GetFundingRateHistory returns up to limit settlements, oldest first.
func (c *Client) GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]market.FundingRate, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	res, err := c.doPublic(ctx, "/v5/market/funding/history", params)
	if err != nil {
		return nil, err
	}
	var out struct {
		List []struct {
			Symbol               string `json:"symbol"`
			FundingRate          string `json:"fundingRate"`
			FundingRateTimestamp string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, core.Exchangef("bybit decode funding history: %v", err)
	}

	rates := make([]market.FundingRate, 0, len(out.List))
	for _, r := range out.List {
		rates = append(rates, market.FundingRate{
			Symbol:      r.Symbol,
			Rate:        parseFloat(r.FundingRate),
			FundingTime: parseInt(r.FundingRateTimestamp),
		})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].FundingTime < rates[j].FundingTime })
	return rates, nil
}

// GetOpenInterest returns the most recent open interest observation.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (market.OpenInterest, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("intervalTime", "1h")
	params.Set("limit", "1")

	res, err := c.doPublic(ctx, "/v5/market/open-interest", params)
	if err != nil {
		return market.OpenInterest{}, err
	}
	var out struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
			Timestamp    string `json:"timestamp"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return market.OpenInterest{}, core.Exchangef("bybit decode open interest: %v", err)
	}
	if len(out.List) == 0 {
		return market.OpenInterest{}, core.NotFoundf("no open interest for %s", symbol)
	}
	return market.OpenInterest{
		Symbol: symbol,
		Value:  parseFloat(out.List[0].OpenInterest),
		Time:   parseInt(out.List[0].Timestamp),
	}, nil
}
