// Package api exposes the command surface over HTTP: login, lifecycle
// commands, emergency control, backtests, and status queries. Telemetry
// events stream to subscribers registered on the bus elsewhere; this server
// only accepts commands and answers queries.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"multi-asset-trading-bot/config"
	"multi-asset-trading-bot/internal/engine"
	"multi-asset-trading-bot/internal/history"
)

// StatsSource answers the trade statistics query. Nil disables the endpoint.
type StatsSource interface {
	GetTradeStatistics(ctx context.Context) (history.TradeStatistics, error)
}

// Server is the HTTP command API.
type Server struct {
	cfg        config.ServerConfig
	supervisor *engine.Supervisor
	stats      StatsSource
	logger     zerolog.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router. stats may be nil when persistence is off.
func NewServer(cfg config.ServerConfig, supervisor *engine.Supervisor, stats StatsSource, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:        cfg,
		supervisor: supervisor,
		stats:      stats,
		logger:     logger.With().Str("component", "api").Logger(),
		router:     router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.POST("/api/login", s.handleLogin)

	authed := s.router.Group("/api", s.authMiddleware())
	authed.GET("/status", s.handleStatus)
	authed.GET("/statistics", s.handleStatistics)

	commands := authed.Group("/commands")
	commands.POST("/start", s.handleStart)
	commands.POST("/stop", s.handleStop)
	commands.POST("/pause", s.handlePause)
	commands.POST("/resume", s.handleResume)
	commands.POST("/emergency_trigger", s.handleEmergencyTrigger)
	commands.POST("/emergency_reset", s.handleEmergencyReset)
	commands.POST("/backtest", s.handleBacktest)
	commands.POST("/force_rebalance_check", s.handleForceRebalance)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	s.logger.Info().Int("port", s.cfg.Port).Msg("Command API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// =========================================================================
// Auth
// =========================================================================

type loginRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminTokenHash), []byte(req.Token)); err != nil {
		s.logger.Warn().Str("remote", c.ClientIP()).Msg("Login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "trading-bot",
	})
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_at": now.Add(ttl)})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// =========================================================================
// Commands
// =========================================================================

func commandAccepted(c *gin.Context, extra gin.H) {
	payload := gin.H{"request_id": uuid.NewString(), "accepted": true}
	for k, v := range extra {
		payload[k] = v
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleStart(c *gin.Context) {
	s.supervisor.Start()
	commandAccepted(c, nil)
}

func (s *Server) handleStop(c *gin.Context) {
	s.supervisor.Stop()
	commandAccepted(c, nil)
}

type profileRequest struct {
	ProfileID string `json:"profile_id" binding:"required"`
}

func (s *Server) handlePause(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile_id required"})
		return
	}
	if err := s.supervisor.Pause(req.ProfileID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	commandAccepted(c, gin.H{"profile_id": req.ProfileID})
}

func (s *Server) handleResume(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile_id required"})
		return
	}
	if err := s.supervisor.Resume(req.ProfileID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	commandAccepted(c, gin.H{"profile_id": req.ProfileID})
}

type emergencyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleEmergencyTrigger(c *gin.Context) {
	var req emergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason required"})
		return
	}
	result := s.supervisor.EmergencyTrigger(c.Request.Context(), req.Reason)
	status := http.StatusOK
	if result.Status == "already_triggered" {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

func (s *Server) handleEmergencyReset(c *gin.Context) {
	s.supervisor.EmergencyReset()
	commandAccepted(c, nil)
}

type backtestRequest struct {
	Symbol        string  `json:"symbol" binding:"required"`
	Days          int     `json:"days" binding:"required"`
	Capital       float64 `json:"capital" binding:"required"`
	TakeProfitPct float64 `json:"tp" binding:"required"`
	StopLossPct   float64 `json:"sl" binding:"required"`
}

func (s *Server) handleBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.supervisor.Backtest(c.Request.Context(),
		req.Symbol, req.Days, req.Capital, req.TakeProfitPct, req.StopLossPct)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleForceRebalance(c *gin.Context) {
	if err := s.supervisor.ForceRebalanceCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	commandAccepted(c, nil)
}

// =========================================================================
// Queries
// =========================================================================

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Status())
}

func (s *Server) handleStatistics(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "trade history is disabled"})
		return
	}
	stats, err := s.stats.GetTradeStatistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
