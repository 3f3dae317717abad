// Package bybit implements the exchange collaborator against the Bybit v5
// REST API for USDT-denominated linear perpetuals.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"quantcore/internal/core"
)

const category = "linear"

// Config holds Bybit credentials and connection options.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client talks to Bybit v5. Public market data works without credentials;
// account and trade endpoints require an API key.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *timeSync
}

func NewClient(cfg Config) *Client {
	base := "https://api.bybit.com"
	if cfg.Testnet {
		base = "https://api-testnet.bybit.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	c.timeSync = newTimeSync(c.serverTime)
	return c
}

// StartTimeSync begins periodic clock offset correction against the venue.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.start(ctx)
}

func (c *Client) now() int64 {
	return c.timeSync.nowMilli()
}

// envelope is the fixed Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// doPublic performs an unsigned GET and unwraps the response envelope.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

// doSigned performs an authenticated request. GET requests sign the query
// string, POST requests sign the JSON body, per the v5 signing scheme.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, core.Exchangef("bybit: API key/secret required for %s", path)
	}

	timestamp := strconv.FormatInt(c.now(), 10)
	recvWindow := strconv.FormatInt(c.cfg.RecvWindow, 10)

	var (
		req     *http.Request
		err     error
		payload string
	)
	if method == http.MethodGet {
		payload = params.Encode()
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+payload, nil)
	} else {
		raw, mErr := json.Marshal(body)
		if mErr != nil {
			return nil, mErr
		}
		payload = string(raw)
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(timestamp + c.cfg.APIKey + recvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	return c.send(req)
}

func (c *Client) send(req *http.Request) (json.RawMessage, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Exchangef("bybit %s %s: %v", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, core.Exchangef("bybit read response: %v", err)
	}
	if res.StatusCode >= 300 {
		return nil, core.Exchangef("bybit %s %s status %d: %s", req.Method, req.URL.Path, res.StatusCode, string(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, core.Exchangef("bybit decode envelope: %v", err)
	}
	if env.RetCode != 0 {
		return nil, core.Exchangef("bybit %s retCode %d: %s", req.URL.Path, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

// serverTime fetches the venue clock in milliseconds.
func (c *Client) serverTime() (int64, error) {
	res, err := c.doPublic(context.Background(), "/v5/market/time", url.Values{})
	if err != nil {
		return 0, err
	}
	var out struct {
		TimeNano string `json:"timeNano"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return 0, err
	}
	ns, err := strconv.ParseInt(out.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse server time %q: %w", out.TimeNano, err)
	}
	return ns / int64(time.Millisecond), nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
