package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lecturechat/internal/models"
)

// sessionTTL is the sliding inactivity window after which a session record
// disappears and the next connection starts fresh.
const sessionTTL = 24 * time.Hour

// SessionStore maps users to their durable chat session across reconnects.
// Two keys per user: the session record and a user-to-session pointer, both
// refreshed on every touch so they age out together.
type SessionStore struct {
	rdb *redis.Client
}

func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

// Establish returns the user's existing session or creates a new one. The
// returned session always carries the caller's current name, image and role
// so stale snapshots never stick across reconnects.
func (s *SessionStore) Establish(ctx context.Context, id models.Identity) (*models.Session, error) {
	if existing, err := s.FindByUser(ctx, id.UserID); err != nil {
		return nil, err
	} else if existing != nil {
		existing.UserName = id.UserName
		existing.UserImage = id.UserImage
		existing.UserRole = id.Role
		existing.LastActive = time.Now().UTC()
		if err := s.save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	sess := &models.Session{
		UserID:     id.UserID,
		SessionID:  uuid.NewString(),
		UserName:   id.UserName,
		UserImage:  id.UserImage,
		UserRole:   id.Role,
		LastActive: time.Now().UTC(),
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get looks up a session by its id. Missing sessions return (nil, nil).
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if isWrongType(err) {
		resetKey(ctx, s.rdb, sessionKey(sessionID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		resetKey(ctx, s.rdb, sessionKey(sessionID))
		return nil, nil
	}
	return &sess, nil
}

// FindByUser resolves a user's session via the pointer key. A dangling
// pointer (session expired first) is cleaned up and reads as no session.
func (s *SessionStore) FindByUser(ctx context.Context, userID string) (*models.Session, error) {
	sid, err := s.rdb.Get(ctx, userSessionKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if isWrongType(err) {
		resetKey(ctx, s.rdb, userSessionKey(userID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session pointer: %w", err)
	}
	sess, err := s.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		resetKey(ctx, s.rdb, userSessionKey(userID))
	}
	return sess, nil
}

// Touch slides both session keys forward and stamps LastActive.
func (s *SessionStore) Touch(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return err
	}
	sess.LastActive = time.Now().UTC()
	return s.save(ctx, sess)
}

// Delete removes a session and its pointer.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	keys := []string{sessionKey(sessionID)}
	if sess != nil {
		keys = append(keys, userSessionKey(sess.UserID))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) save(ctx context.Context, sess *models.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionKey(sess.SessionID), raw, sessionTTL)
	pipe.Set(ctx, userSessionKey(sess.UserID), sess.SessionID, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}
