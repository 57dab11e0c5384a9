package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"lecturechat/internal/models"
)

// MuteStore tracks per-room mutes. Each mute is its own key with an expiry
// matching the mute duration, so Redis lifts them without any sweeper.
type MuteStore struct {
	rdb *redis.Client
	pub Publisher
}

func NewMuteStore(rdb *redis.Client, pub Publisher) *MuteStore {
	return &MuteStore{rdb: rdb, pub: pub}
}

// Mute silences userID in roomID for the given duration and notifies the
// room. mutedBy records the acting moderator for the audit trail.
func (s *MuteStore) Mute(ctx context.Context, roomID, userID, mutedBy, reason string, duration time.Duration) (*models.MutedUser, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("mute duration must be positive")
	}

	mu := models.MutedUser{
		UserID:     userID,
		RoomID:     roomID,
		MutedBy:    mutedBy,
		Reason:     reason,
		MutedAt:    time.Now().UTC(),
		MutedUntil: time.Now().UTC().Add(duration),
	}

	raw, err := json.Marshal(mu)
	if err != nil {
		return nil, fmt.Errorf("marshal mute: %w", err)
	}
	if err := s.rdb.Set(ctx, mutedKey(roomID, userID), raw, duration).Err(); err != nil {
		return nil, fmt.Errorf("store mute: %w", err)
	}

	publish(ctx, s.pub, roomID, EventMuted, map[string]any{
		"userId":     userID,
		"mutedUntil": mu.MutedUntil,
		"reason":     reason,
	})
	return &mu, nil
}

// IsMuted reports whether userID is currently muted in roomID. Expired
// mutes read as not muted because the key is gone.
func (s *MuteStore) IsMuted(ctx context.Context, roomID, userID string) (bool, *models.MutedUser, error) {
	raw, err := s.rdb.Get(ctx, mutedKey(roomID, userID)).Result()
	if err == redis.Nil {
		return false, nil, nil
	}
	if isWrongType(err) {
		resetKey(ctx, s.rdb, mutedKey(roomID, userID))
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("read mute: %w", err)
	}

	var mu models.MutedUser
	if err := json.Unmarshal([]byte(raw), &mu); err != nil {
		resetKey(ctx, s.rdb, mutedKey(roomID, userID))
		return false, nil, nil
	}
	if time.Now().UTC().After(mu.MutedUntil) {
		return false, nil, nil
	}
	return true, &mu, nil
}

// Unmute lifts a mute early. No error if the user was not muted.
func (s *MuteStore) Unmute(ctx context.Context, roomID, userID string) error {
	if err := s.rdb.Del(ctx, mutedKey(roomID, userID)).Err(); err != nil {
		return fmt.Errorf("delete mute: %w", err)
	}
	return nil
}

// List returns the active mutes for a room, ordered by user id.
func (s *MuteStore) List(ctx context.Context, roomID string) ([]models.MutedUser, error) {
	var out []models.MutedUser
	iter := s.rdb.Scan(ctx, 0, mutedPattern(roomID), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var mu models.MutedUser
		if err := json.Unmarshal([]byte(raw), &mu); err != nil {
			slog.Warn("skipping malformed mute record", "key", iter.Val())
			continue
		}
		if time.Now().UTC().After(mu.MutedUntil) {
			continue
		}
		out = append(out, mu)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan mutes: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
