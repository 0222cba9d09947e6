package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"crypto-futures-bot/internal/circuit"
	"crypto-futures-bot/internal/database"
	"crypto-futures-bot/internal/events"
	"crypto-futures-bot/internal/ledger"
	"crypto-futures-bot/internal/position"
	"crypto-futures-bot/internal/regime"
	"crypto-futures-bot/internal/scoring"
	"crypto-futures-bot/internal/sentinel"
)

// BotAPI is what the trading core exposes to the HTTP layer
type BotAPI interface {
	Status() map[string]interface{}
	OpenPositions() []*position.Position
	SentinelOrders() []*sentinel.Order
	BreakerState() circuit.State
	LatestRegime() (regime.Record, bool)
	AccountSnapshot() ledger.Snapshot
	TripBreaker(detail string)
	ResumeDirection(dir scoring.Direction)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	bot        BotAPI
	repo       *database.Repository // may be nil
	hub        *Hub
}

// NewServer creates the API server and wires its routes
func NewServer(config ServerConfig, bot BotAPI, repo *database.Repository, bus *events.Bus) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router: router,
		config: config,
		bot:    bot,
		repo:   repo,
		hub:    NewHub(bus),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.hub.HandleConnection)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handleOpenPositions)
		api.GET("/positions/history", s.handleClosedPositions)
		api.GET("/circuit", s.handleCircuit)
		api.POST("/circuit/trip", s.handleTripBreaker)
		api.POST("/circuit/resume", s.handleResumeDirection)
		api.GET("/sentinel", s.handleSentinel)
		api.GET("/regime", s.handleRegime)
		api.GET("/regime/history", s.handleRegimeHistory)
		api.GET("/events", s.handleEvents)
	}
}

// Start runs the server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.repo != nil {
		if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.Status())
}

func (s *Server) handleAccount(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.AccountSnapshot())
}

func (s *Server) handleOpenPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.bot.OpenPositions()})
}

func (s *Server) handleClosedPositions(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusOK, gin.H{"positions": []interface{}{}})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	positions, err := s.repo.GetClosedPositions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleCircuit(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.BreakerState())
}

func (s *Server) handleTripBreaker(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Reason == "" {
		body.Reason = "operator request"
	}
	s.bot.TripBreaker(body.Reason)
	c.JSON(http.StatusOK, s.bot.BreakerState())
}

func (s *Server) handleResumeDirection(c *gin.Context) {
	var body struct {
		Direction string `json:"direction"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction required"})
		return
	}
	dir := scoring.Direction(body.Direction)
	if dir != scoring.Long && dir != scoring.Short {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be LONG or SHORT"})
		return
	}
	s.bot.ResumeDirection(dir)
	c.JSON(http.StatusOK, s.bot.BreakerState())
}

func (s *Server) handleSentinel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.bot.SentinelOrders()})
}

func (s *Server) handleRegime(c *gin.Context) {
	rec, ok := s.bot.LatestRegime()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"classified": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"classified": true, "regime": rec})
}

func (s *Server) handleRegimeHistory(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusOK, gin.H{"records": []interface{}{}})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "48"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 48
	}
	records, err := s.repo.GetRegimeHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	c.JSON(http.StatusOK, gin.H{"events": s.hub.RecentEvents(limit)})
}
