// Package server contains HTTP and WebSocket handlers for the chat service.
package server

import (
	"context"
	"log/slog"
	"time"

	"lecturechat/internal/bootstrap"
	"lecturechat/internal/chatstate"
	"lecturechat/internal/config"
	"lecturechat/internal/featureflags"
	"lecturechat/internal/middleware"
	"lecturechat/internal/models"
	"lecturechat/internal/moderation"
	"lecturechat/internal/notifications"
	"lecturechat/internal/repository"
	"lecturechat/internal/scheduler"
	"lecturechat/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// wireableHub is implemented by every WebSocket hub that can be wired to
// Redis pub/sub and gracefully shut down.
type wireableHub interface {
	Name() string
	StartWiring(ctx context.Context, n *notifications.Notifier) error
	Shutdown(ctx context.Context) error
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	rooms    *chatstate.RoomStore
	messages *chatstate.MessageStore
	presence *chatstate.PresenceStore
	polls    *chatstate.PollStore
	mutes    *chatstate.MuteStore
	sessions *chatstate.SessionStore
	limiter  *chatstate.Limiter

	notifier *notifications.Notifier
	hub      *notifications.RoomHub
	hubs     []wireableHub

	lectureGate *service.LectureGate
	filter      *moderation.Filter
	flags       *featureflags.Manager
	cleanup     *scheduler.Cleanup
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, redisClient, err := bootstrap.InitRuntime(cfg, bootstrap.Options{})
	if err != nil {
		return nil, err
	}

	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB/Redis.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	middleware.InitMiddleware(cfg, redisClient)

	prom := middleware.InitMetrics("lecturechat-api")

	server := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: prom,
	}

	server.hub = notifications.NewRoomHub()
	server.notifier = notifications.NewNotifier(redisClient, server.hub)
	server.hubs = []wireableHub{server.hub}

	server.rooms = chatstate.NewRoomStore(redisClient, server.notifier)
	server.messages = chatstate.NewMessageStore(redisClient, server.notifier)
	server.presence = chatstate.NewPresenceStore(redisClient, server.hub)
	server.polls = chatstate.NewPollStore(redisClient, server.notifier)
	server.mutes = chatstate.NewMuteStore(redisClient, server.notifier)
	server.sessions = chatstate.NewSessionStore(redisClient)
	server.limiter = chatstate.NewLimiter(redisClient)

	var lectureRepo repository.LectureRepository
	if db != nil {
		lectureRepo = repository.NewLectureRepository(db)
	}
	server.lectureGate = service.NewLectureGate(redisClient, lectureRepo)

	if cfg.ProfanityWordlist != "" {
		filter, err := moderation.NewFilterFromFile(cfg.ProfanityWordlist)
		if err != nil {
			return nil, err
		}
		server.filter = filter
	} else {
		server.filter = moderation.NewFilter()
	}

	server.flags = featureflags.NewManager(cfg.FeatureFlags)

	server.cleanup = scheduler.NewCleanup(server.rooms, server.messages, server.polls)

	return server, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	// Prometheus Metrics
	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}

	// CORS middleware should run before middlewares that can short-circuit (e.g. limiter)
	// so browser clients still receive CORS headers on error responses.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		// Never rate-limit preflight requests; they should be handled by CORS.
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	// Health checks
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	// Metrics endpoint for Prometheus
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "Lecture Chat Metrics Dashboard",
	}))

	// WebSocket ticket issuance
	api.Post("/ws/ticket", middleware.AuthRequired,
		middleware.EndpointRateLimit(s.redis, "ws_ticket", 10, time.Minute), s.IssueWSTicket)

	// Room routes
	rooms := api.Group("/rooms", middleware.AuthRequired)
	rooms.Post("/", s.ModeratorRequired,
		middleware.EndpointRateLimit(s.redis, "create_room", 10, time.Minute), s.CreateRoom)
	rooms.Get("/:roomId", s.GetRoom)
	rooms.Get("/:roomId/messages", s.GetRoomMessages)
	rooms.Get("/:roomId/participants", s.GetRoomParticipants)
	rooms.Get("/:roomId/polls", s.GetRoomPolls)
	rooms.Patch("/:roomId/settings", s.ModeratorRequired, s.UpdateRoomSettings)
	rooms.Post("/:roomId/active", s.ModeratorRequired, s.SetRoomActive)
	rooms.Post("/:roomId/visibility", s.ModeratorRequired, s.SetRoomVisibility)
	rooms.Get("/:roomId/muted", s.ModeratorRequired, s.GetMutedUsers)
	rooms.Post("/:roomId/muted/:userId", s.ModeratorRequired, s.MuteUser)
	rooms.Delete("/:roomId/muted/:userId", s.ModeratorRequired, s.UnmuteUser)

	// Lecture liveness toggle, consumed by the room activation gate
	lectures := api.Group("/lectures", middleware.AuthRequired)
	lectures.Post("/:lectureId/live", s.ModeratorRequired, s.SetLectureLive)

	// Websocket endpoint
	ws := api.Group("/ws", middleware.WebSocketAuthRequired)
	ws.Get("/chat", s.WebSocketChatHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		redisStatus = "unavailable"
	}

	dbStatus := "healthy"
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			dbStatus = "unhealthy"
		} else if err := sqlDB.PingContext(ctx); err != nil {
			dbStatus = "unhealthy"
		}
	} else {
		dbStatus = "not_configured"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if redisStatus != "healthy" || dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"version": "1.0.0",
		"status":  overallStatus,
		"checks": fiber.Map{
			"redis":    redisStatus,
			"database": dbStatus,
		},
		"time": time.Now(),
	})
}

// ModeratorRequired rejects callers below moderator with 403. Must be placed
// after an auth middleware so the identity is available in locals.
func (s *Server) ModeratorRequired(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Authorization required"))
	}
	if !identity.Role.Privileged() {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("Moderator access required"))
	}
	return c.Next()
}

// IssueWSTicket returns a short-lived single-use ticket for a websocket dial.
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Authorization required"))
	}
	ticket, err := middleware.IssueWSTicket(c.UserContext(), identity)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"ticket": ticket})
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := fiber.New(fiber.Config{
		AppName: "Lecture Chat API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			slog.Error("unhandled request error", "error", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	// Wire all hubs to Redis subscriber if available
	if s.notifier != nil {
		for _, h := range s.hubs {
			h := h
			go func() {
				if err := h.StartWiring(s.shutdownCtx, s.notifier); err != nil {
					slog.Error("failed to start hub wiring", "hub", h.Name(), "error", err)
				}
			}()
		}
	}

	s.cleanup.Start()

	slog.Info("server starting", "port", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Cancel the server-scoped context to stop all wiring goroutines
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.cleanup != nil {
		s.cleanup.Stop()
	}

	// Shutdown the HTTP/WS server
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			slog.Error("error shutting down HTTP server", "error", err)
		}
	}

	// Close WebSocket connections gracefully
	for _, h := range s.hubs {
		if err := h.Shutdown(ctx); err != nil {
			slog.Error("error shutting down hub", "hub", h.Name(), "error", err)
		}
	}

	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if cerr := sqlDB.Close(); cerr != nil {
				slog.Error("error closing sql DB", "error", cerr)
			}
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			slog.Error("error closing redis", "error", rerr)
		}
	}

	slog.Info("server shutdown complete")
	return nil
}
