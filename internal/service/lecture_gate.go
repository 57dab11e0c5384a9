// Package service provides application business logic above the stores.
package service

import (
	"context"
	"fmt"
	"time"

	"lecturechat/internal/models"
	"lecturechat/internal/repository"

	"github.com/redis/go-redis/v9"
)

// liveFlagTTL bounds how long an override flag persists without refresh, so
// a crashed deactivation cannot wedge a lecture live forever.
const liveFlagTTL = 12 * time.Hour

func liveFlagKey(lectureID string) string { return "lecture:" + lectureID + ":live" }

// LectureGate answers whether a lecture is currently live and what role a
// user holds in it. Liveness checks Redis first (set by the live toggle
// endpoint) and falls back to the catalog database. Without a database the
// gate runs open: rooms answer liveness themselves via their active flag.
type LectureGate struct {
	rdb  *redis.Client
	repo repository.LectureRepository
}

// NewLectureGate returns a LectureGate. repo may be nil when the service
// runs without a catalog database.
func NewLectureGate(rdb *redis.Client, repo repository.LectureRepository) *LectureGate {
	return &LectureGate{rdb: rdb, repo: repo}
}

// IsLive reports whether the lecture is live.
func (g *LectureGate) IsLive(ctx context.Context, lectureID string) (bool, error) {
	flag, err := g.rdb.Get(ctx, liveFlagKey(lectureID)).Result()
	if err == nil {
		return flag == "1", nil
	}
	if err != redis.Nil {
		return false, fmt.Errorf("read live flag: %w", err)
	}

	if g.repo == nil {
		return true, nil
	}
	lecture, err := g.repo.GetLectureByID(ctx, lectureID)
	if err != nil {
		return false, err
	}
	if lecture == nil {
		return false, nil
	}
	return lecture.IsLive, nil
}

// SetLive records the liveness override in Redis and, when a catalog
// database is attached, persists it there too.
func (g *LectureGate) SetLive(ctx context.Context, lectureID string, isLive bool) error {
	val := "0"
	if isLive {
		val = "1"
	}
	if err := g.rdb.Set(ctx, liveFlagKey(lectureID), val, liveFlagTTL).Err(); err != nil {
		return fmt.Errorf("set live flag: %w", err)
	}
	if g.repo != nil {
		return g.repo.SetLectureLive(ctx, lectureID, isLive)
	}
	return nil
}

// RoleFor resolves the user's role in the lecture from their enrollment.
// Users without an enrollment keep the role their token carries.
func (g *LectureGate) RoleFor(ctx context.Context, lectureID string, identity models.Identity) (models.Role, error) {
	if g.repo == nil {
		return identity.Role, nil
	}
	enrollment, err := g.repo.GetEnrollment(ctx, lectureID, identity.UserID)
	if err != nil {
		return identity.Role, err
	}
	if enrollment == nil {
		return identity.Role, nil
	}
	// An enrollment can promote but never demote an admin token.
	if identity.Role == models.RoleAdmin {
		return models.RoleAdmin, nil
	}
	if enrollment.Role.Privileged() {
		return enrollment.Role, nil
	}
	return identity.Role, nil
}
