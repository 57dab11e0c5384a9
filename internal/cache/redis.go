// Package cache provides the Redis client backing the chat state store.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"lecturechat/internal/middleware"

	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// metricsHook counts command failures per command name. redis.Nil is a miss,
// not a failure.
type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			middleware.RedisErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			middleware.RedisErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

func parseAddr(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		return redis.ParseURL(addr)
	}
	return &redis.Options{Addr: addr}, nil
}

// InitRedis connects the package client to the given address, which may be a
// redis:// URL or a bare host:port. The service stays up without Redis, but
// every chat operation needs it, so a failed connection is logged loudly and
// leaves the client nil for readiness probes to report.
func InitRedis(addr string) {
	opts, err := parseAddr(addr)
	if err != nil {
		slog.Error("invalid REDIS_URL, chat state store unavailable", "addr", addr, "error", err)
		client = nil
		return
	}

	c := redis.NewClient(opts)
	c.AddHook(metricsHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		slog.Error("redis unreachable, chat state store unavailable", "addr", opts.Addr, "error", err)
		client = nil
		return
	}

	slog.Info("redis connected", "addr", opts.Addr)
	client = c
}

// GetClient returns the connected client, or nil when InitRedis failed.
func GetClient() *redis.Client {
	return client
}
