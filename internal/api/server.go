// Package api is the HTTP control plane. It exposes bot CRUD and lifecycle,
// live account reads proxied through running workers, workflow graph editing,
// and the admin surfaces for exchanges, LLM providers, and system configs.
// All state lives in the database and the status snapshots; the API holds
// none of its own, so it can restart independently of the bots it manages.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/auth"
	"github.com/stratoforge/quantra/internal/bot"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/logging"
	"github.com/stratoforge/quantra/internal/market"
	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/ratelimit"
	"github.com/stratoforge/quantra/internal/status"
)

// Store is the durable-state surface the control plane needs.
// *database.Repository satisfies it.
type Store interface {
	HealthCheck(ctx context.Context) error

	CreateBot(ctx context.Context, b *database.Bot) error
	GetBot(ctx context.Context, id int64) (*database.Bot, error)
	ListBots(ctx context.Context) ([]*database.Bot, error)
	UpdateBot(ctx context.Context, b *database.Bot) error
	DeleteBot(ctx context.Context, id int64) error

	ListOpenTrades(ctx context.Context, botID int64) ([]*database.Trade, error)
	RecentClosed(ctx context.Context, botID int64, limit int) ([]*database.Trade, error)

	CreateExchange(ctx context.Context, ex *database.Exchange) error
	GetExchange(ctx context.Context, id int64) (*database.Exchange, error)
	ListExchanges(ctx context.Context) ([]*database.Exchange, error)
	UpdateExchange(ctx context.Context, ex *database.Exchange) error
	DeleteExchange(ctx context.Context, id int64) error

	CreateLLMConfig(ctx context.Context, cfg *database.LLMConfig) error
	GetLLMConfig(ctx context.Context, id int64) (*database.LLMConfig, error)
	ListLLMConfigs(ctx context.Context) ([]*database.LLMConfig, error)
	UpdateLLMConfig(ctx context.Context, cfg *database.LLMConfig) error
	DeleteLLMConfig(ctx context.Context, id int64) error

	CreateWorkflow(ctx context.Context, wf *database.Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*database.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*database.Workflow, error)
	GetWorkflowGraph(ctx context.Context, id int64) (*database.Workflow, []*database.WorkflowNode, []*database.WorkflowEdge, error)
	ReplaceGraph(ctx context.Context, workflowID int64, nodes []*database.WorkflowNode, edges []*database.WorkflowEdge, userEdit bool) error
}

// Controller is the bot lifecycle surface the API drives.
// *bot.Supervisor satisfies it.
type Controller interface {
	Start(ctx context.Context, botID int64) error
	Stop(ctx context.Context, botID int64) error
	Restart(ctx context.Context, botID int64) error
	Status(ctx context.Context, botID int64) (*status.BotStatus, error)
	Running(botID int64) bool
	RunningIDs() []int64
	StreamStats(botID int64) (market.Stats, bool)
	Positions(ctx context.Context, botID int64) ([]exchange.Position, error)
	Balance(ctx context.Context, botID int64) (*exchange.Balance, error)
	Ticker(ctx context.Context, botID int64, symbol string) (*exchange.Ticker, error)
}

// SettingStore is the typed key/value surface behind /api/system-configs.
// *database.SystemConfigStore satisfies it.
type SettingStore interface {
	GetByPrefix(ctx context.Context, prefix string) (map[string]string, error)
	Set(ctx context.Context, key, value, valueType, description string) error
}

// AdapterCache invalidates cached LLM adapters after provider rows change.
// *llm.Factory satisfies it.
type AdapterCache interface {
	Reset()
}

// SnapshotStore reads and deletes status snapshots directly, for bots with
// no registered worker. *status.Publisher satisfies it.
type SnapshotStore interface {
	Read(ctx context.Context, botID int64) (*status.BotStatus, error)
	Delete(ctx context.Context, botID int64) error
}

// Config holds the HTTP listener settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	LogDir         string // directory holding per-bot log files
	Debug          bool
}

// Services bundles everything the handlers reach. Auth may be nil; the
// /api group is then served without authentication.
type Services struct {
	Store    Store
	Settings SettingStore
	Bots     Controller
	Status   SnapshotStore
	Plugins  *pipeline.Registry
	LLM      AdapterCache
	Limits   *ratelimit.Registry
	Auth     *auth.Manager
}

// Server is the HTTP control plane server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        Config
	svc        Services
	log        zerolog.Logger
}

// NewServer builds the router and wires all routes.
func NewServer(cfg Config, svc Services) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		cfg:    cfg,
		svc:    svc,
		log:    logging.Component("api"),
	}
	router.Use(s.requestLog())
	s.setupRoutes()
	return s
}

// requestLog records one debug line per request. gin's own logger writes
// unstructured text, so the zerolog pipeline replaces it.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Auth routes stay public. Login only exists when a manager is wired;
	// the status probe always answers so clients can tell the difference.
	if s.svc.Auth != nil {
		s.router.POST("/api/auth/login", s.handleLogin)
	}
	s.router.GET("/api/auth/status", s.handleAuthStatus)

	api := s.router.Group("/api")
	if s.svc.Auth != nil {
		api.Use(auth.Middleware(s.svc.Auth))
	}

	api.GET("/bots", s.handleListBots)
	api.POST("/bots", s.handleCreateBot)
	api.GET("/bots/:id", s.handleGetBot)
	api.PUT("/bots/:id", s.handleUpdateBot)
	api.DELETE("/bots/:id", s.handleDeleteBot)

	api.POST("/bots/:id/start", s.handleStartBot)
	api.POST("/bots/:id/stop", s.handleStopBot)
	api.POST("/bots/:id/restart", s.handleRestartBot)

	api.GET("/bots/:id/status", s.handleBotStatus)
	api.GET("/bots/:id/positions", s.handleBotPositions)
	api.GET("/bots/:id/balance", s.handleBotBalance)
	api.GET("/bots/:id/debate", s.handleBotDebate)
	api.GET("/bots/:id/logs", s.handleBotLogs)
	api.GET("/bots/:id/trades", s.handleBotTrades)
	api.GET("/bots/:id/streams", s.handleBotStreams)

	api.GET("/workflows", s.handleListWorkflows)
	api.POST("/workflows", s.handleCreateWorkflow)
	api.GET("/workflows/:id", s.handleGetWorkflow)
	api.PUT("/workflows/:id/graph", s.handleReplaceGraph)
	api.GET("/plugins", s.handleListPlugins)

	api.GET("/exchanges", s.handleListExchanges)
	api.POST("/exchanges", s.handleCreateExchange)
	api.GET("/exchanges/:id", s.handleGetExchange)
	api.PUT("/exchanges/:id", s.handleUpdateExchange)
	api.DELETE("/exchanges/:id", s.handleDeleteExchange)

	api.GET("/llm-configs", s.handleListLLMConfigs)
	api.POST("/llm-configs", s.handleCreateLLMConfig)
	api.GET("/llm-configs/:id", s.handleGetLLMConfig)
	api.PUT("/llm-configs/:id", s.handleUpdateLLMConfig)
	api.DELETE("/llm-configs/:id", s.handleDeleteLLMConfig)

	api.GET("/system-configs", s.handleListSystemConfigs)
	api.PUT("/system-configs/:key", s.handleSetSystemConfig)

	api.GET("/limits", s.handleLimits)
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("http server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// fail maps an error to its HTTP status. Lifecycle conflicts come back 409
// so clients can tell "wrong state" from "bad request".
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, status.ErrNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, bot.ErrBotAlreadyRunning), errors.Is(err, bot.ErrBotNotRunning):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, database.ErrWorkflowCycle):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errkind.IsValidation(err):
		errorResponse(c, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}

// pathID parses the :id route parameter. On failure it writes the 400
// itself and returns false.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// queryInt reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
