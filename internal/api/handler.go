// Package api exposes the HTTP boundary: strategy status, pause/resume,
// portfolio and breaker views, backtests, and the websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quantcore/internal/backtest"
	"quantcore/internal/breaker"
	"quantcore/internal/events"
	"quantcore/internal/executor"
	"quantcore/internal/portfolio"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Queries   *db.Queries
	Registry  *strategy.Registry
	Exec      *executor.Executor
	Portfolio *portfolio.Manager
	Breaker   *breaker.Breaker
	Backtest  *backtest.Engine
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	AccountID string
	Venue     string
	SimMode   bool
	Version   string
}

func NewServer(bus *events.Bus, queries *db.Queries, registry *strategy.Registry, exec *executor.Executor, pf *portfolio.Manager, brk *breaker.Breaker, bt *backtest.Engine, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Queries:   queries,
		Registry:  registry,
		Exec:      exec,
		Portfolio: pf,
		Breaker:   brk,
		Backtest:  bt,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		api.GET("/strategies", s.getStrategies)
		api.GET("/strategies/:id", s.getStrategy)

		accounts := api.Group("/accounts/:account")
		{
			accounts.GET("/strategies", s.getAccountStrategies)
			accounts.POST("/strategies/:id/pause", s.pauseStrategy)
			accounts.POST("/strategies/:id/resume", s.resumeStrategy)

			accounts.GET("/portfolio", s.getPortfolio)
			accounts.GET("/performance", s.getPerformance)

			accounts.GET("/breaker", s.getBreakerStatus)
			accounts.POST("/breaker/resume", s.forceResume)
			accounts.POST("/breaker/resume/:id", s.forceResumeStrategy)
		}

		api.POST("/backtest", s.runBacktest)
		api.POST("/backtest/portfolio", s.runPortfolioBacktest)
		api.GET("/backtest/runs", s.listBacktestRuns)
		api.GET("/backtest/runs/:id", s.getBacktestRun)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
