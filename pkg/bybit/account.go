package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"quantcore/internal/core"
	"quantcore/internal/market"
)

// GetTotalEquity returns the unified account equity in USD terms.
func (c *Client) GetTotalEquity(ctx context.Context) (float64, error) {
	b, err := c.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	return b.TotalEquity, nil
}

// GetBalances returns the unified account balance snapshot.
func (c *Client) GetBalances(ctx context.Context) (market.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	res, err := c.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil)
	if err != nil {
		return market.Balance{}, err
	}
	var out struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalPerpUPL          string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return market.Balance{}, core.Exchangef("bybit decode wallet balance: %v", err)
	}
	if len(out.List) == 0 {
		return market.Balance{}, core.Exchangef("bybit wallet balance: empty account list")
	}
	b := out.List[0]
	return market.Balance{
		TotalEquity:   parseFloat(b.TotalEquity),
		Available:     parseFloat(b.TotalAvailableBalance),
		UnrealizedPnl: parseFloat(b.TotalPerpUPL),
	}, nil
}

// GetPositions returns every open linear position settled in USDT.
func (c *Client) GetPositions(ctx context.Context) ([]market.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", "USDT")

	res, err := c.doSigned(ctx, http.MethodGet, "/v5/position/list", params, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"` // Buy / Sell
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			PositionIM    string `json:"positionIM"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, core.Exchangef("bybit decode positions: %v", err)
	}

	positions := make([]market.Position, 0, len(out.List))
	for _, p := range out.List {
		qty := parseFloat(p.Size)
		if qty == 0 {
			continue
		}
		side := "LONG"
		if strings.EqualFold(p.Side, "Sell") {
			side = "SHORT"
		}
		positions = append(positions, market.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			Leverage:      parseFloat(p.Leverage),
			Margin:        parseFloat(p.PositionIM),
			UnrealizedPnl: parseFloat(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// PlaceOrder submits an order and best-effort enriches the result with the
// fill price from the order query endpoint.
func (c *Client) PlaceOrder(ctx context.Context, req market.OrderRequest) (market.OrderResult, error) {
	body := map[string]any{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      toVenueSide(req.Side),
		"orderType": toVenueType(req.Type),
		"qty":       formatFloat(req.Quantity),
	}
	if req.ID != "" {
		body["orderLinkId"] = req.ID
	}
	if strings.EqualFold(req.Type, "LIMIT") {
		body["price"] = formatFloat(req.Price)
		body["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = formatFloat(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = formatFloat(req.TakeProfit)
	}

	res, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		return market.OrderResult{}, err
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return market.OrderResult{}, core.Exchangef("bybit decode order create: %v", err)
	}

	result := market.OrderResult{
		OrderID: created.OrderID,
		Symbol:  req.Symbol,
		Status:  "NEW",
	}
	if filled, err := c.queryOrder(ctx, req.Symbol, created.OrderID); err == nil {
		result = filled
	}
	return result, nil
}

func (c *Client) queryOrder(ctx context.Context, symbol, orderID string) (market.OrderResult, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	res, err := c.doSigned(ctx, http.MethodGet, "/v5/order/realtime", params, nil)
	if err != nil {
		return market.OrderResult{}, err
	}
	var out struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			AvgPrice    string `json:"avgPrice"`
			CumExecQty  string `json:"cumExecQty"`
		} `json:"list"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return market.OrderResult{}, core.Exchangef("bybit decode order query: %v", err)
	}
	if len(out.List) == 0 {
		return market.OrderResult{}, core.NotFoundf("order %s not found", orderID)
	}
	o := out.List[0]
	return market.OrderResult{
		OrderID:   o.OrderID,
		Symbol:    symbol,
		Status:    strings.ToUpper(o.OrderStatus),
		AvgPrice:  parseFloat(o.AvgPrice),
		FilledQty: parseFloat(o.CumExecQty),
	}, nil
}

// SetLeverage applies the same leverage to both position sides.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]any{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  formatFloat(leverage),
		"sellLeverage": formatFloat(leverage),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body)
	// Bybit rejects a no-op leverage change; treat it as success.
	if err != nil && strings.Contains(err.Error(), "110043") {
		return nil
	}
	return err
}

// SetStopLossTakeProfit attaches protective levels to the open position.
func (c *Client) SetStopLossTakeProfit(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	body := map[string]any{
		"category":    category,
		"symbol":      symbol,
		"positionIdx": 0,
	}
	if stopLoss > 0 {
		body["stopLoss"] = formatFloat(stopLoss)
	}
	if takeProfit > 0 {
		body["takeProfit"] = formatFloat(takeProfit)
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body)
	return err
}

// CancelOrder cancels one open order by venue ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel", nil, body)
	return err
}

func toVenueSide(side string) string {
	if strings.EqualFold(side, "SELL") {
		return "Sell"
	}
	return "Buy"
}

func toVenueType(orderType string) string {
	if strings.EqualFold(orderType, "LIMIT") {
		return "Limit"
	}
	return "Market"
}
