// Package database opens the lecture catalog connection and runs migrations.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lecturechat/internal/config"
	"lecturechat/internal/middleware"
	"lecturechat/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Catalog access is light (liveness checks and enrollment lookups), so the
// pool stays small.
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	slowQueryLimit  = 200 * time.Millisecond
)

// slogGormLogger adapts gorm's logger interface onto the service's slog
// logger. Record-not-found is routine for lecture lookups and never logged.
type slogGormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		l.log.ErrorContext(ctx, "catalog query failed", append(attrs, slog.String("error", err.Error()))...)
	case elapsed > slowQueryLimit && l.level >= logger.Warn:
		l.log.WarnContext(ctx, "slow catalog query", attrs...)
	case l.level >= logger.Info:
		l.log.InfoContext(ctx, "catalog query", attrs...)
	}
}

func catalogDSN(cfg *config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, sslMode)
}

// Connect opens the catalog database. Outside production it also runs
// AutoMigrate so dev and test environments track the models without a
// migration step.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(catalogDSN(cfg)), &gorm.Config{
		Logger: &slogGormLogger{log: middleware.Logger, level: logger.Warn},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to catalog database: %w", err)
	}
	middleware.Logger.Info("catalog database connected", "host", cfg.DBHost, "db", cfg.DBName)

	if cfg.Env != "production" && cfg.Env != "prod" {
		if err := db.AutoMigrate(&models.Lecture{}, &models.Enrollment{}); err != nil {
			return nil, fmt.Errorf("migrate catalog schema: %w", err)
		}
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxIdleConns)
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
	}

	return db, nil
}
