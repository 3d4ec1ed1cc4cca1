// Package api is the HTTP control surface: grid session control, guardian
// risk operations, and the websocket observer feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gridkeeper/grid"
	"gridkeeper/guardian"
	"gridkeeper/logger"
	"gridkeeper/risk"
)

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	engine     *grid.Engine
	guard      *guardian.Guardian
	registry   *risk.Registry
	httpServer *http.Server
	port       int

	jwtSecret        string
	operatorPassword string
}

// NewServer creates the API server
func NewServer(engine *grid.Engine, guard *guardian.Guardian, registry *risk.Registry, port int, jwtSecret, operatorPassword string) *Server {
	// Set to Release mode (reduce log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:           router,
		engine:           engine,
		guard:            guard,
		registry:         registry,
		port:             port,
		jwtSecret:        jwtSecret,
		operatorPassword: operatorPassword,
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes wires all endpoints. Reads are public, mutations require a JWT.
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)
		api.POST("/login", s.handleLogin)

		api.GET("/grid/status", s.handleGridStatus)
		api.GET("/grid/decisions", s.handleGridDecisions)
		api.GET("/guardian/status", s.handleGuardianStatus)
		api.GET("/risk/summary", s.handleRiskSummary)
		api.GET("/ws", s.handleWS)

		protected := api.Group("/", s.authMiddleware())
		{
			protected.POST("/grid/start", s.handleGridStart)
			protected.POST("/grid/stop", s.handleGridStop)
			protected.POST("/grid/emergency-stop", s.handleGridEmergencyStop)
			protected.POST("/grid/preview", s.handleGridPreview)

			protected.POST("/guardian/reconcile", s.handleReconcile)
			protected.POST("/guardian/stop-loss", s.handleSetStopLoss)
			protected.DELETE("/guardian/stop-loss/:symbol", s.handleRemoveStopLoss)
			protected.POST("/guardian/take-profit", s.handleSetTakeProfit)
			protected.DELETE("/guardian/take-profit/:symbol", s.handleRemoveTakeProfit)
			protected.POST("/guardian/halt", s.handleHalt)
			protected.POST("/guardian/resume", s.handleResume)
			protected.PUT("/guardian/limits", s.handleUpdateLimits)
		}
	}
}

// Run starts the HTTP server (blocking)
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("API server listening on %s", addr)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}

// ---------------------------------------------------------------------------
// grid handlers
// ---------------------------------------------------------------------------

func (s *Server) handleGridStart(c *gin.Context) {
	if s.registry.IsHalted() {
		fail(c, http.StatusConflict, fmt.Errorf("trading is halted"))
		return
	}

	var cfg grid.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Start(cfg); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	ok(c, s.engine.Status())
}

func (s *Server) handleGridStop(c *gin.Context) {
	stats, err := s.engine.Stop()
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	ok(c, stats)
}

func (s *Server) handleGridEmergencyStop(c *gin.Context) {
	if err := s.engine.EmergencyStop(); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	ok(c, s.engine.Status())
}

func (s *Server) handleGridStatus(c *gin.Context) {
	ok(c, s.engine.Status())
}

func (s *Server) handleGridDecisions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	ok(c, s.engine.Decisions(limit))
}

func (s *Server) handleGridPreview(c *gin.Context) {
	var cfg grid.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	plan, err := s.engine.Preview(cfg)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, plan)
}

// ---------------------------------------------------------------------------
// guardian handlers
// ---------------------------------------------------------------------------

func (s *Server) handleGuardianStatus(c *gin.Context) {
	ok(c, s.guard.Status())
}

func (s *Server) handleRiskSummary(c *gin.Context) {
	ok(c, s.registry.RiskSummary())
}

func (s *Server) handleReconcile(c *gin.Context) {
	ok(c, s.guard.Reconcile())
}

type intentRequest struct {
	Symbol       string  `json:"symbol" binding:"required"`
	CurrentPrice float64 `json:"current_price" binding:"required"`
	Percent      float64 `json:"percent" binding:"required"`
}

func (s *Server) handleSetStopLoss(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	intent, err := s.registry.SetStopLoss(req.Symbol, req.CurrentPrice, req.Percent)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, intent)
}

func (s *Server) handleRemoveStopLoss(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.registry.RemoveStopLoss(symbol) {
		fail(c, http.StatusNotFound, fmt.Errorf("no stop loss for %s", symbol))
		return
	}
	ok(c, gin.H{"symbol": symbol})
}

func (s *Server) handleSetTakeProfit(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	intent, err := s.registry.SetTakeProfit(req.Symbol, req.CurrentPrice, req.Percent)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, intent)
}

func (s *Server) handleRemoveTakeProfit(c *gin.Context) {
	symbol := c.Param("symbol")
	if !s.registry.RemoveTakeProfit(symbol) {
		fail(c, http.StatusNotFound, fmt.Errorf("no take profit for %s", symbol))
		return
	}
	ok(c, gin.H{"symbol": symbol})
}

func (s *Server) handleHalt(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual halt"
	}
	s.registry.HaltTrading(req.Reason)
	ok(c, gin.H{"halted": true, "reason": req.Reason})
}

func (s *Server) handleResume(c *gin.Context) {
	s.registry.ResumeTrading()
	ok(c, gin.H{"halted": false})
}

func (s *Server) handleUpdateLimits(c *gin.Context) {
	var limits risk.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if limits.MaxDrawdownPct < 0 || limits.MaxDrawdownPct >= 1 {
		fail(c, http.StatusBadRequest, fmt.Errorf("max_drawdown_pct must be in [0, 1)"))
		return
	}
	s.registry.UpdateLimits(limits)
	ok(c, limits)
}
