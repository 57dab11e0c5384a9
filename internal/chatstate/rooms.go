package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lecturechat/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	// roomCacheTTL bounds how stale the advisory in-process room cache may
	// get. Every mutator overwrites its cache entry before returning.
	roomCacheTTL = 30 * time.Second

	// roomTTL is the idle lifetime of a room record; refreshed on activity.
	roomTTL = 24 * time.Hour
)

type cachedRoom struct {
	room      models.Room
	fetchedAt time.Time
}

// RoomStore manages chat room records in the keyed store with a short-lived
// in-process read cache. The store is the single source of truth; the cache
// is strictly advisory.
type RoomStore struct {
	rdb *redis.Client
	pub Publisher

	mu    sync.RWMutex
	cache map[string]cachedRoom
}

// NewRoomStore returns a RoomStore. pub may be nil to disable event publishing.
func NewRoomStore(rdb *redis.Client, pub Publisher) *RoomStore {
	return &RoomStore{
		rdb:   rdb,
		pub:   pub,
		cache: make(map[string]cachedRoom),
	}
}

// CreateRoom creates the room for a lecture. Idempotent per lecture: when
// the room already exists it is returned untouched, never overwritten.
func (s *RoomStore) CreateRoom(ctx context.Context, lectureID string, settings *models.RoomSettings) (*models.Room, error) {
	existing, err := s.GetRoom(ctx, lectureID, true)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	cfg := models.DefaultRoomSettings()
	if settings != nil {
		cfg = *settings
	}

	// A new room is live for its moderator immediately; whether participants
	// can see and use it is governed by ChatEnabled/IsChatVisible.
	now := time.Now()
	room := models.Room{
		ID:            lectureID,
		LectureID:     lectureID,
		IsActive:      true,
		IsChatVisible: cfg.ChatEnabled,
		CreatedAt:     now,
		LastActivity:  now,
		Settings:      cfg,
	}

	if err := s.write(ctx, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// GetRoom fetches a room, serving from the in-process cache unless the entry
// is stale or forceRefresh is set. Returns (nil, nil) when the room does not
// exist or its record is malformed.
func (s *RoomStore) GetRoom(ctx context.Context, roomID string, forceRefresh bool) (*models.Room, error) {
	if !forceRefresh {
		s.mu.RLock()
		entry, ok := s.cache[roomID]
		s.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < roomCacheTTL {
			room := entry.room
			return &room, nil
		}
	}

	raw, err := s.rdb.Get(ctx, roomKey(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if isWrongType(err) {
		resetKey(ctx, s.rdb, roomKey(roomID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}

	var room models.Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		// Malformed record from an older deploy: reinitialize.
		resetKey(ctx, s.rdb, roomKey(roomID))
		return nil, nil
	}

	s.cacheRoom(&room)
	return &room, nil
}

// UpdateSettings applies a partial settings update and republishes the room.
// Returns nil when the room does not exist.
func (s *RoomStore) UpdateSettings(ctx context.Context, roomID string, patch models.RoomSettingsPatch) (*models.Room, error) {
	room, err := s.GetRoom(ctx, roomID, true)
	if err != nil || room == nil {
		return nil, err
	}

	patch.Apply(&room.Settings)
	room.LastActivity = time.Now()
	if err := s.write(ctx, room); err != nil {
		return nil, err
	}

	publish(ctx, s.pub, roomID, EventRoomToggled, room)
	return room, nil
}

// SetActive toggles whether the room accepts non-privileged traffic.
// Settings.ChatEnabled is kept equal to IsActive.
func (s *RoomStore) SetActive(ctx context.Context, roomID string, active bool) (*models.Room, error) {
	room, err := s.GetRoom(ctx, roomID, true)
	if err != nil || room == nil {
		return nil, err
	}

	room.IsActive = active
	room.Settings.ChatEnabled = active
	room.LastActivity = time.Now()
	if err := s.write(ctx, room); err != nil {
		return nil, err
	}

	publish(ctx, s.pub, roomID, EventRoomToggled, room)
	return room, nil
}

// SetVisible toggles whether the room is surfaced to non-privileged users.
// Independent of IsActive: a moderator can hold an active-but-hidden room
// while setting it up.
func (s *RoomStore) SetVisible(ctx context.Context, roomID string, visible bool) (*models.Room, error) {
	room, err := s.GetRoom(ctx, roomID, true)
	if err != nil || room == nil {
		return nil, err
	}

	room.IsChatVisible = visible
	room.LastActivity = time.Now()
	if err := s.write(ctx, room); err != nil {
		return nil, err
	}

	publish(ctx, s.pub, roomID, EventChatVisibilityUpdate, room)
	return room, nil
}

// Touch refreshes the room's LastActivity stamp and TTL. Used on message
// traffic so busy rooms never expire.
func (s *RoomStore) Touch(ctx context.Context, roomID string) error {
	room, err := s.GetRoom(ctx, roomID, false)
	if err != nil || room == nil {
		return err
	}
	room.LastActivity = time.Now()
	return s.write(ctx, room)
}

// ListRoomIDs scans the store for every room id. Used by the cleanup
// scheduler, not by request paths.
func (s *RoomStore) ListRoomIDs(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "room:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan rooms: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, key[len("room:"):])
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

// Invalidate drops the in-process cache entry for a room.
func (s *RoomStore) Invalidate(roomID string) {
	s.mu.Lock()
	delete(s.cache, roomID)
	s.mu.Unlock()
}

func (s *RoomStore) write(ctx context.Context, room *models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", room.ID, err)
	}
	if err := s.rdb.Set(ctx, roomKey(room.ID), data, roomTTL).Err(); err != nil {
		return fmt.Errorf("write room %s: %w", room.ID, err)
	}
	// Overwrite the cache entry before returning so no stale copy survives
	// a successful write.
	s.cacheRoom(room)
	return nil
}

func (s *RoomStore) cacheRoom(room *models.Room) {
	s.mu.Lock()
	s.cache[room.ID] = cachedRoom{room: *room, fetchedAt: time.Now()}
	s.mu.Unlock()
}
