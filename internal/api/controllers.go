package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quantcore/internal/backtest"
	"quantcore/internal/core"
	"quantcore/pkg/db"
)

type backtestRequest struct {
	StrategyID     string             `json:"strategy_id" binding:"required,min=1"`
	Symbol         string             `json:"symbol" binding:"required,min=1"`
	Interval       string             `json:"interval" binding:"required,min=1"`
	StartTime      int64              `json:"start_time" binding:"required"`
	EndTime        int64              `json:"end_time" binding:"required"`
	InitialBalance float64            `json:"initial_balance"`
	Leverage       float64            `json:"leverage"`
	SlippagePct    float64            `json:"slippage_pct"`
	FeePct         float64            `json:"fee_pct"`
	Overrides      map[string]float64 `json:"overrides"`
}

type portfolioBacktestRequest struct {
	StrategyIDs    []string `json:"strategy_ids" binding:"required,min=1"`
	Symbol         string   `json:"symbol" binding:"required,min=1"`
	Interval       string   `json:"interval" binding:"required,min=1"`
	StartTime      int64    `json:"start_time" binding:"required"`
	EndTime        int64    `json:"end_time" binding:"required"`
	InitialBalance float64  `json:"initial_balance"`
	Leverage       float64  `json:"leverage"`
	SlippagePct    float64  `json:"slippage_pct"`
	FeePct         float64  `json:"fee_pct"`
}

func (r *backtestRequest) normalize() {
	if r.InitialBalance <= 0 {
		r.InitialBalance = 10_000
	}
	if r.Leverage <= 0 {
		r.Leverage = 1
	}
}

func (r *portfolioBacktestRequest) normalize() {
	if r.InitialBalance <= 0 {
		r.InitialBalance = 10_000
	}
	if r.Leverage <= 0 {
		r.Leverage = 1
	}
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

// httpStatus maps the domain error taxonomy onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientData), errors.Is(err, core.ErrRiskRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrExchange):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"account_id": s.Meta.AccountID,
		"venue":      s.Meta.Venue,
		"sim_mode":   s.Meta.SimMode,
		"version":    s.Meta.Version,
		"accounts":   s.Exec.AccountIDs(),
		"strategies": s.Registry.IDs(),
	})
}

func (s *Server) getStrategies(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, strat := range s.Registry.All() {
		cfg := strat.Config()
		out = append(out, gin.H{
			"id":            cfg.ID,
			"name":          cfg.Name,
			"category":      cfg.Category,
			"symbols":       cfg.Symbols,
			"timeframes":    cfg.Timeframes,
			"allocation":    cfg.CapitalAllocationPercent,
			"max_leverage":  cfg.MaxLeverage,
			"state":         strat.GetState(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (s *Server) getStrategy(c *gin.Context) {
	strat, err := s.Registry.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"config": strat.Config(),
		"state":  strat.GetState(),
	})
}

func (s *Server) getAccountStrategies(c *gin.Context) {
	states := s.Exec.Status(c.Param("account"))
	if states == nil {
		fail(c, core.NotFoundf("account %s not registered", c.Param("account")))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": c.Param("account"),
		"strategies": states,
		"running":    s.Exec.RunningStrategies(c.Param("account")),
	})
}

func (s *Server) pauseStrategy(c *gin.Context) {
	if !s.Exec.Pause(c.Param("account"), c.Param("id")) {
		fail(c, core.NotFoundf("Strategy not found: %s", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resumeStrategy(c *gin.Context) {
	if !s.Exec.Resume(c.Param("account"), c.Param("id")) {
		fail(c, core.NotFoundf("Strategy not found: %s", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

func (s *Server) getPortfolio(c *gin.Context) {
	summary, err := s.Portfolio.GetPortfolioSummary(c.Request.Context(), c.Param("account"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getPerformance(c *gin.Context) {
	if s.Queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	rows, err := s.Queries.GetStrategyPerformance(c.Request.Context(), c.Param("account"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("account"), "performance": rows})
}

func (s *Server) getBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Breaker.Status(c.Param("account")))
}

func (s *Server) forceResume(c *gin.Context) {
	resumed := s.Breaker.ForceResume(c.Param("account"))
	c.JSON(http.StatusOK, gin.H{"resumed": resumed})
}

func (s *Server) forceResumeStrategy(c *gin.Context) {
	resumed := s.Breaker.ForceResumeStrategy(c.Param("account"), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"resumed": resumed})
}

func (s *Server) runBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.normalize()

	result, err := s.Backtest.Run(c.Request.Context(), backtest.Params{
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Interval:       req.Interval,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		InitialBalance: req.InitialBalance,
		Leverage:       req.Leverage,
		SlippagePct:    req.SlippagePct,
		FeePct:         req.FeePct,
		Overrides:      req.Overrides,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) runPortfolioBacktest(c *gin.Context) {
	var req portfolioBacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.normalize()

	result, err := s.Backtest.RunPortfolio(c.Request.Context(), backtest.PortfolioParams{
		StrategyIDs:    req.StrategyIDs,
		Symbol:         req.Symbol,
		Interval:       req.Interval,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		InitialBalance: req.InitialBalance,
		Leverage:       req.Leverage,
		SlippagePct:    req.SlippagePct,
		FeePct:         req.FeePct,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listBacktestRuns(c *gin.Context) {
	if s.Queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil && n <= 200 {
			limit = n
		}
	}
	runs, err := s.Queries.ListBacktestRuns(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getBacktestRun(c *gin.Context) {
	if s.Queries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	run, err := s.Queries.GetBacktestRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		fail(c, err)
		return
	}
	trades, err := s.Queries.GetBacktestTrades(c.Request.Context(), run.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "trades": trades})
}
