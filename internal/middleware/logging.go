package middleware

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Logger is the service-wide structured logger.
var Logger *slog.Logger

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	UserIDKey    contextKey = "user_id"
	TraceIDKey   contextKey = "trace_id"
)

// ctxHandler stamps request-scoped identifiers onto every record so deep
// store and gateway code logs correlate without threading fields around.
type ctxHandler struct {
	slog.Handler
}

func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []contextKey{RequestIDKey, UserIDKey, TraceIDKey} {
		if v, ok := ctx.Value(key).(string); ok {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func init() {
	// JSON in production for log aggregation, text locally.
	var inner slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("APP_ENV") == "production" {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		inner = slog.NewTextHandler(os.Stdout, opts)
	}
	Logger = slog.New(&ctxHandler{inner})
}

// ContextMiddleware copies the request id, user id and trace id from Fiber
// locals into the request context where ctxHandler can reach them.
func ContextMiddleware() fiber.Handler {
	copyLocal := func(ctx context.Context, c *fiber.Ctx, local string, key contextKey) context.Context {
		if v, ok := c.Locals(local).(string); ok {
			return context.WithValue(ctx, key, v)
		}
		return ctx
	}

	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		ctx = copyLocal(ctx, c, "requestid", RequestIDKey)
		ctx = copyLocal(ctx, c, "userID", UserIDKey)
		ctx = copyLocal(ctx, c, "traceID", TraceIDKey)
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// StructuredLogger logs one line per request with status, latency and caller
// details. Uses the context-aware logger so correlation ids come along.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := []any{
			slog.Int("status", c.Response().StatusCode()),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
			slog.String("user_agent", c.Get("User-Agent")),
		}

		if err != nil {
			Logger.ErrorContext(c.UserContext(), "request failed",
				append(fields, slog.String("error", err.Error()))...)
		} else {
			Logger.InfoContext(c.UserContext(), "request processed", fields...)
		}
		return err
	}
}
