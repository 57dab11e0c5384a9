package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lecturechat/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// maxRoomMessages caps a room's message list; the oldest entries are
	// evicted beyond it.
	maxRoomMessages = 500

	// messageListTTL is the sliding retention window, refreshed on every write.
	messageListTTL = 30 * time.Minute

	// batchTrimThreshold is the batch size beyond which SaveBatch performs
	// the O(n) list trim. Small batches skip it; the next single save trims.
	batchTrimThreshold = 20
)

// MessageStore is the append-only, bounded, time-expiring message log with a
// single pinned-message slot per room.
type MessageStore struct {
	rdb *redis.Client
	pub Publisher
}

// NewMessageStore returns a MessageStore. pub may be nil to disable publishing.
func NewMessageStore(rdb *redis.Client, pub Publisher) *MessageStore {
	return &MessageStore{rdb: rdb, pub: pub}
}

// SaveMessage appends msg to the front of the room's list, evicting beyond
// the cap and refreshing the sliding TTL, then publishes it to the room.
func (s *MessageStore) SaveMessage(ctx context.Context, msg *models.ChatMessage) error {
	normalizeMessage(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := messagesKey(msg.RoomID)
	if err := s.rdb.LPush(ctx, key, data).Err(); err != nil {
		if !isWrongType(err) {
			return fmt.Errorf("save message: %w", err)
		}
		resetKey(ctx, s.rdb, key)
		if err := s.rdb.LPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("save message after reset: %w", err)
		}
	}

	pipe := s.rdb.Pipeline()
	pipe.LTrim(ctx, key, 0, maxRoomMessages-1)
	pipe.Expire(ctx, key, messageListTTL)
	if msg.IsPinned {
		pipe.Set(ctx, pinnedMessageKey(msg.RoomID), data, messageListTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trim message list: %w", err)
	}

	publish(ctx, s.pub, msg.RoomID, EventNewMessage, msg)
	return nil
}

// GetMessages returns up to limit of the room's most recent messages sorted
// ascending by CreatedAt. Storage order is newest-first; the API contract is
// oldest-first, so the re-sort here is mandatory.
func (s *MessageStore) GetMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > maxRoomMessages {
		limit = maxRoomMessages
	}

	raws, err := s.rdb.LRange(ctx, messagesKey(roomID), 0, int64(limit-1)).Result()
	if isWrongType(err) {
		resetKey(ctx, s.rdb, messagesKey(roomID))
		return []models.ChatMessage{}, nil
	}
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get messages for room %s: %w", roomID, err)
	}

	messages := make([]models.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var msg models.ChatMessage
		if uerr := json.Unmarshal([]byte(raw), &msg); uerr != nil {
			continue // skip malformed entries from older deploys
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// GetPinnedMessage returns the room's pinned message, or nil when none is set.
func (s *MessageStore) GetPinnedMessage(ctx context.Context, roomID string) (*models.ChatMessage, error) {
	raw, err := s.rdb.Get(ctx, pinnedMessageKey(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if isWrongType(err) {
		resetKey(ctx, s.rdb, pinnedMessageKey(roomID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pinned message for room %s: %w", roomID, err)
	}

	var msg models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		resetKey(ctx, s.rdb, pinnedMessageKey(roomID))
		return nil, nil
	}
	return &msg, nil
}

// PinMessage marks the identified message pinned, writes the pinned slot and
// rewrites the list entry in place. A previously pinned message is unpinned
// first so at most one list entry carries the pin flag. Returns false when
// the message is not among the retained entries.
func (s *MessageStore) PinMessage(ctx context.Context, roomID, messageID string) (bool, error) {
	entries, err := s.listEntries(ctx, roomID)
	if err != nil {
		return false, err
	}

	target := -1
	for i := range entries {
		if entries[i].msg.ID == messageID {
			target = i
			break
		}
	}
	if target == -1 {
		return false, nil
	}

	// Explicit single-pin policy: clear the flag on any other pinned entry
	// before setting the new one.
	for i := range entries {
		if i != target && entries[i].msg.IsPinned {
			entries[i].msg.IsPinned = false
			if err := s.rewriteEntry(ctx, roomID, entries[i].index, &entries[i].msg); err != nil {
				return false, err
			}
		}
	}

	entries[target].msg.IsPinned = true
	if err := s.rewriteEntry(ctx, roomID, entries[target].index, &entries[target].msg); err != nil {
		return false, err
	}

	data, err := json.Marshal(&entries[target].msg)
	if err != nil {
		return false, fmt.Errorf("marshal pinned message: %w", err)
	}
	if err := s.rdb.Set(ctx, pinnedMessageKey(roomID), data, messageListTTL).Err(); err != nil {
		return false, fmt.Errorf("write pinned slot: %w", err)
	}

	publish(ctx, s.pub, roomID, EventMessagePinned, &entries[target].msg)
	return true, nil
}

// UnpinMessage clears the room's pinned slot and the pin flag on the list
// entry. Returns false when nothing is pinned.
func (s *MessageStore) UnpinMessage(ctx context.Context, roomID string) (bool, error) {
	pinned, err := s.GetPinnedMessage(ctx, roomID)
	if err != nil {
		return false, err
	}
	if pinned == nil {
		return false, nil
	}

	entries, err := s.listEntries(ctx, roomID)
	if err != nil {
		return false, err
	}
	for i := range entries {
		if entries[i].msg.IsPinned {
			entries[i].msg.IsPinned = false
			if err := s.rewriteEntry(ctx, roomID, entries[i].index, &entries[i].msg); err != nil {
				return false, err
			}
		}
	}

	if err := s.rdb.Del(ctx, pinnedMessageKey(roomID)).Err(); err != nil {
		return false, fmt.Errorf("clear pinned slot: %w", err)
	}

	pinned.IsPinned = false
	publish(ctx, s.pub, roomID, EventMessageUnpinned, pinned)
	return true, nil
}

// DeleteMessage marks the message deleted and overwrites its content with a
// placeholder, rewriting the entry in place so list positions stay stable.
// A pinned message is unpinned as part of deletion.
func (s *MessageStore) DeleteMessage(ctx context.Context, roomID, messageID string) (bool, error) {
	entries, err := s.listEntries(ctx, roomID)
	if err != nil {
		return false, err
	}

	for i := range entries {
		if entries[i].msg.ID != messageID {
			continue
		}

		wasPinned := entries[i].msg.IsPinned
		entries[i].msg.IsDeleted = true
		entries[i].msg.IsPinned = false
		entries[i].msg.Content = models.DeletedMessagePlaceholder
		if err := s.rewriteEntry(ctx, roomID, entries[i].index, &entries[i].msg); err != nil {
			return false, err
		}

		if wasPinned {
			if err := s.rdb.Del(ctx, pinnedMessageKey(roomID)).Err(); err != nil {
				return false, fmt.Errorf("clear pinned slot on delete: %w", err)
			}
		}

		publish(ctx, s.pub, roomID, EventMessageDeleted, &entries[i].msg)
		return true, nil
	}
	return false, nil
}

// SaveBatch normalizes and writes a batch of messages in one store round
// trip. Sender identity fields are stamped from the authenticated caller, so
// a client cannot batch-insert messages under another identity. The O(n)
// list trim is amortized: only batches above the threshold trigger it.
func (s *MessageStore) SaveBatch(ctx context.Context, roomID string, msgs []models.ChatMessage, ident models.Identity) ([]models.ChatMessage, error) {
	if len(msgs) == 0 {
		return []models.ChatMessage{}, nil
	}

	normalized := make([]models.ChatMessage, len(msgs))
	for i, msg := range msgs {
		msg.RoomID = roomID
		msg.UserID = ident.UserID
		msg.UserName = ident.UserName
		msg.UserImage = ident.UserImage
		msg.UserRole = ident.Role
		normalizeMessage(&msg)
		normalized[i] = msg
	}

	// Storage is newest-first; push oldest first to keep list order coherent.
	ordered := make([]models.ChatMessage, len(normalized))
	copy(ordered, normalized)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	key := messagesKey(roomID)
	writeAll := func() error {
		pipe := s.rdb.Pipeline()
		for i := range ordered {
			data, err := json.Marshal(&ordered[i])
			if err != nil {
				return fmt.Errorf("marshal batch message: %w", err)
			}
			pipe.LPush(ctx, key, data)
		}
		if len(ordered) > batchTrimThreshold {
			pipe.LTrim(ctx, key, 0, maxRoomMessages-1)
		}
		pipe.Expire(ctx, key, messageListTTL)
		_, err := pipe.Exec(ctx)
		return err
	}

	if err := writeAll(); err != nil {
		if !isWrongType(err) {
			return nil, fmt.Errorf("save batch: %w", err)
		}
		resetKey(ctx, s.rdb, key)
		if err := writeAll(); err != nil {
			return nil, fmt.Errorf("save batch after reset: %w", err)
		}
	}

	publish(ctx, s.pub, roomID, EventBatchMessages, normalized)
	return normalized, nil
}

// SweepOld removes entries older than cutoff by value comparison, leaving
// the pinned message untouched. Safe to run concurrently with live traffic:
// removal is by value, never a blind key delete.
func (s *MessageStore) SweepOld(ctx context.Context, roomID string, cutoff time.Time) (int, error) {
	pinned, err := s.GetPinnedMessage(ctx, roomID)
	if err != nil {
		return 0, err
	}

	entries, err := s.listEntries(ctx, roomID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for i := range entries {
		if !entries[i].msg.CreatedAt.Before(cutoff) {
			continue
		}
		if pinned != nil && entries[i].msg.ID == pinned.ID {
			continue
		}
		if err := s.rdb.LRem(ctx, messagesKey(roomID), 1, entries[i].raw).Err(); err != nil {
			return removed, fmt.Errorf("sweep message: %w", err)
		}
		removed++
	}
	return removed, nil
}

// ShortenTTL tightens the message list expiry, used when a room goes inactive.
func (s *MessageStore) ShortenTTL(ctx context.Context, roomID string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, messagesKey(roomID), ttl).Err()
}

type listEntry struct {
	index int64 // position in the stored list, not in this slice
	raw   string
	msg   models.ChatMessage
}

// listEntries reads the retained window of the room's list, keeping the raw
// encoding alongside the parsed message for value-based removal.
func (s *MessageStore) listEntries(ctx context.Context, roomID string) ([]listEntry, error) {
	raws, err := s.rdb.LRange(ctx, messagesKey(roomID), 0, maxRoomMessages-1).Result()
	if isWrongType(err) {
		resetKey(ctx, s.rdb, messagesKey(roomID))
		return nil, nil
	}
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read message list for room %s: %w", roomID, err)
	}

	entries := make([]listEntry, 0, len(raws))
	for i, raw := range raws {
		var msg models.ChatMessage
		if uerr := json.Unmarshal([]byte(raw), &msg); uerr != nil {
			continue
		}
		entries = append(entries, listEntry{index: int64(i), raw: raw, msg: msg})
	}
	return entries, nil
}

// rewriteEntry replaces the list element at index in place. LSet keeps the
// element's position so deletes and pin flips never reorder the log.
func (s *MessageStore) rewriteEntry(ctx context.Context, roomID string, index int64, msg *models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	if err := s.rdb.LSet(ctx, messagesKey(roomID), index, data).Err(); err != nil {
		return fmt.Errorf("rewrite message %s: %w", msg.ID, err)
	}
	return nil
}

func normalizeMessage(msg *models.ChatMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
}
