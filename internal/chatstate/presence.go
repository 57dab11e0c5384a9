package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lecturechat/internal/models"

	"github.com/redis/go-redis/v9"
)

// participantsTTL bounds how long a room's presence hash outlives activity.
const participantsTTL = 24 * time.Hour

// LocalPresence exposes this process's live connections for a room. The hub
// implements it; the set is advisory only and is merged on reads, never
// treated as authoritative by any cross-process operation.
type LocalPresence interface {
	ConnectedUserIDs(roomID string) map[string]struct{}
}

// PresenceStore tracks participants per room in a room-scoped hash keyed by
// user id. Adds and updates write through the same field, so upserts are the
// only write path.
type PresenceStore struct {
	rdb   *redis.Client
	local LocalPresence
}

// NewPresenceStore returns a PresenceStore. local may be nil when the caller
// has no live-connection index (HTTP layer, cleanup scheduler).
func NewPresenceStore(rdb *redis.Client, local LocalPresence) *PresenceStore {
	return &PresenceStore{rdb: rdb, local: local}
}

// AddParticipant upserts the participant record for p.UserID.
func (s *PresenceStore) AddParticipant(ctx context.Context, roomID string, p models.ChatParticipant) error {
	if p.LastActive.IsZero() {
		p.LastActive = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}

	key := participantsKey(roomID)
	if err := s.rdb.HSet(ctx, key, p.UserID, data).Err(); err != nil {
		if !isWrongType(err) {
			return fmt.Errorf("add participant: %w", err)
		}
		resetKey(ctx, s.rdb, key)
		if err := s.rdb.HSet(ctx, key, p.UserID, data).Err(); err != nil {
			return fmt.Errorf("add participant after reset: %w", err)
		}
	}
	return s.rdb.Expire(ctx, key, participantsTTL).Err()
}

// RemoveParticipant drops the participant record entirely.
func (s *PresenceStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return s.rdb.HDel(ctx, participantsKey(roomID), userID).Err()
}

// UpdateStatus flips the online flag and refreshes LastActive. An unknown
// user gets a minimal record; same write path as AddParticipant.
func (s *PresenceStore) UpdateStatus(ctx context.Context, roomID, userID string, online bool) error {
	raw, err := s.rdb.HGet(ctx, participantsKey(roomID), userID).Result()

	var p models.ChatParticipant
	switch {
	case err == redis.Nil:
		p = models.ChatParticipant{UserID: userID, UserRole: models.RoleParticipant}
	case isWrongType(err):
		resetKey(ctx, s.rdb, participantsKey(roomID))
		p = models.ChatParticipant{UserID: userID, UserRole: models.RoleParticipant}
	case err != nil:
		return fmt.Errorf("read participant %s: %w", userID, err)
	default:
		if uerr := json.Unmarshal([]byte(raw), &p); uerr != nil {
			p = models.ChatParticipant{UserID: userID, UserRole: models.RoleParticipant}
		}
	}

	p.IsOnline = online
	p.LastActive = time.Now()
	return s.AddParticipant(ctx, roomID, p)
}

// GetParticipants returns the room's participants, merging persisted records
// with this process's live connections so presence reflects both without
// double-counting.
func (s *PresenceStore) GetParticipants(ctx context.Context, roomID string) ([]models.ChatParticipant, error) {
	fields, err := s.rdb.HGetAll(ctx, participantsKey(roomID)).Result()
	if isWrongType(err) {
		resetKey(ctx, s.rdb, participantsKey(roomID))
		return []models.ChatParticipant{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participants for room %s: %w", roomID, err)
	}

	var connected map[string]struct{}
	if s.local != nil {
		connected = s.local.ConnectedUserIDs(roomID)
	}

	participants := make([]models.ChatParticipant, 0, len(fields))
	for userID, raw := range fields {
		var p models.ChatParticipant
		if uerr := json.Unmarshal([]byte(raw), &p); uerr != nil {
			continue
		}
		if _, live := connected[userID]; live {
			p.IsOnline = true
		}
		participants = append(participants, p)
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].UserID < participants[j].UserID
	})
	return participants, nil
}
