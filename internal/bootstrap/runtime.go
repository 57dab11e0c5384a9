package bootstrap

import (
	"fmt"

	"lecturechat/internal/cache"
	"lecturechat/internal/config"
	"lecturechat/internal/database"
	"lecturechat/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	SeedDemo bool
}

// InitRuntime connects to Redis and, when configured, the lecture catalog
// database. The database is optional: with no DB_HOST the chat service runs
// Redis-only and the lecture gate falls back to its open default.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	var db *gorm.DB
	if cfg.DBHost != "" {
		var err error
		db, err = database.Connect(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
	}

	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if opts.SeedDemo && db != nil {
		if err := seed.Run(db, seed.Options{}); err != nil {
			return nil, nil, fmt.Errorf("failed to seed demo lectures: %w", err)
		}
	}

	return db, r, nil
}
