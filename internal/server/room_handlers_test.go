package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecturechat/internal/chatstate"
	"lecturechat/internal/config"
	"lecturechat/internal/featureflags"
	"lecturechat/internal/middleware"
	"lecturechat/internal/models"
	"lecturechat/internal/moderation"
	"lecturechat/internal/notifications"
	"lecturechat/internal/service"
)

const testJWTSecret = "test-secret"

// newTestServer assembles a Server against miniredis without the Prometheus
// middleware, which registers collectors globally and cannot be built twice.
func newTestServer(t *testing.T) (*Server, *fiber.App, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		JWTSecret:             testJWTSecret,
		Port:                  "8080",
		ChatRateLimit:         5,
		ChatRateWindowSeconds: 10,
	}
	middleware.InitMiddleware(cfg, rdb)

	s := &Server{config: cfg, redis: rdb}
	s.hub = notifications.NewRoomHub()
	s.notifier = notifications.NewNotifier(rdb, s.hub)
	s.rooms = chatstate.NewRoomStore(rdb, s.notifier)
	s.messages = chatstate.NewMessageStore(rdb, s.notifier)
	s.presence = chatstate.NewPresenceStore(rdb, s.hub)
	s.polls = chatstate.NewPollStore(rdb, s.notifier)
	s.mutes = chatstate.NewMuteStore(rdb, s.notifier)
	s.sessions = chatstate.NewSessionStore(rdb)
	s.limiter = chatstate.NewLimiter(rdb)
	s.lectureGate = service.NewLectureGate(rdb, nil)
	s.filter = moderation.NewFilter()
	s.flags = featureflags.NewManager(cfg.FeatureFlags)

	app := fiber.New()
	s.SetupRoutes(app)
	return s, app, mr
}

func bearerToken(t *testing.T, userID, name string, role models.Role) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"name": name,
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, app *fiber.App, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decodeRoom(t *testing.T, resp *http.Response) models.Room {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var room models.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	return room
}

func TestCreateRoom(t *testing.T) {
	_, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)

	t.Run("moderator creates with defaults", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod,
			fiber.Map{"lectureId": "cs101"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		room := decodeRoom(t, resp)
		assert.Equal(t, "cs101", room.ID)
		assert.Equal(t, "cs101", room.LectureID)
		assert.True(t, room.IsActive)
		assert.True(t, room.IsChatVisible)
		assert.Equal(t, models.DefaultRoomSettings().MaxMessageLength, room.Settings.MaxMessageLength)
	})

	t.Run("creating again returns existing room unchanged", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod,
			fiber.Map{"lectureId": "cs101", "settings": fiber.Map{"slowMode": true}})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		room := decodeRoom(t, resp)
		assert.False(t, room.Settings.SlowMode)
	})

	t.Run("custom settings applied on first create", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod,
			fiber.Map{"lectureId": "math201", "settings": fiber.Map{"slowMode": true, "slowModeInterval": 15}})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		room := decodeRoom(t, resp)
		assert.True(t, room.Settings.SlowMode)
		assert.Equal(t, 15, room.Settings.SlowModeInterval)
	})

	t.Run("participant forbidden", func(t *testing.T) {
		stu := bearerToken(t, "stu-1", "Sam", models.RoleParticipant)
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/", stu,
			fiber.Map{"lectureId": "cs102"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing lecture id", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod, fiber.Map{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid lecture id", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod,
			fiber.Map{"lectureId": "bad id!"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = doJSON(t, app, http.MethodPost, "/api/rooms/", mod,
			fiber.Map{"lectureId": "metrics"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetRoom(t *testing.T) {
	_, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)
	stu := bearerToken(t, "stu-1", "Sam", models.RoleParticipant)

	resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod, fiber.Map{"lectureId": "cs101"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	t.Run("participant can read", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet, "/api/rooms/cs101", stu, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "cs101", decodeRoom(t, resp).ID)
	})

	t.Run("unknown room", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet, "/api/rooms/nope-404", stu, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodGet, "/api/rooms/cs101", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestGetRoomMessages(t *testing.T) {
	s, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)
	ctx := context.Background()

	first := models.ChatMessage{RoomID: "cs101", UserID: "stu-1", UserName: "Sam",
		UserRole: models.RoleParticipant, Content: "hello", Type: models.MessageText}
	require.NoError(t, s.messages.SaveMessage(ctx, &first))
	second := models.ChatMessage{RoomID: "cs101", UserID: "stu-1", UserName: "Sam",
		UserRole: models.RoleParticipant, Content: "world", Type: models.MessageText}
	require.NoError(t, s.messages.SaveMessage(ctx, &second))

	pinned, err := s.messages.PinMessage(ctx, "cs101", first.ID)
	require.NoError(t, err)
	require.True(t, pinned)

	resp := doJSON(t, app, http.MethodGet, "/api/rooms/cs101/messages", mod, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Messages []models.ChatMessage `json:"messages"`
		Pinned   *models.ChatMessage  `json:"pinned"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "hello", body.Messages[0].Content)
	assert.Equal(t, "world", body.Messages[1].Content)
	require.NotNil(t, body.Pinned)
	assert.Equal(t, first.ID, body.Pinned.ID)
}

func TestSetRoomActive(t *testing.T) {
	_, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)
	admin := bearerToken(t, "adm-1", "Root", models.RoleAdmin)

	resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod, fiber.Map{"lectureId": "cs101"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Mark the lecture as not live.
	resp = doJSON(t, app, http.MethodPost, "/api/lectures/cs101/live", mod, fiber.Map{"live": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("moderator cannot activate when lecture not live", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/cs101/active", mod, fiber.Map{"active": true})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("admin overrides liveness gate", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/cs101/active", admin, fiber.Map{"active": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		room := decodeRoom(t, resp)
		assert.True(t, room.IsActive)
		assert.True(t, room.Settings.ChatEnabled)
	})

	t.Run("deactivation needs no liveness", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/cs101/active", mod, fiber.Map{"active": false})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		room := decodeRoom(t, resp)
		assert.False(t, room.IsActive)
		assert.False(t, room.Settings.ChatEnabled)
	})

	t.Run("moderator activates once lecture is live", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/lectures/cs101/live", mod, fiber.Map{"live": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doJSON(t, app, http.MethodPost, "/api/rooms/cs101/active", mod, fiber.Map{"active": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decodeRoom(t, resp).IsActive)
	})

	t.Run("unknown room", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/nope-404/active", admin, fiber.Map{"active": true})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSetLectureLive_EndingDeactivatesRoom(t *testing.T) {
	_, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)

	resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod, fiber.Map{"lectureId": "cs101"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, decodeRoom(t, resp).IsActive)

	resp = doJSON(t, app, http.MethodPost, "/api/lectures/cs101/live", mod, fiber.Map{"live": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/api/rooms/cs101?refresh=true", mod, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	room := decodeRoom(t, resp)
	assert.False(t, room.IsActive)
	assert.False(t, room.Settings.ChatEnabled)
}

func TestSetRoomVisibility(t *testing.T) {
	_, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)

	resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod, fiber.Map{"lectureId": "cs101"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/rooms/cs101/visibility", mod, fiber.Map{"visible": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	room := decodeRoom(t, resp)
	assert.False(t, room.IsChatVisible)
	assert.True(t, room.IsActive, "hiding the chat panel does not deactivate the room")

	resp = doJSON(t, app, http.MethodPost, "/api/rooms/nope-404/visibility", mod, fiber.Map{"visible": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateRoomSettings(t *testing.T) {
	_, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)

	resp := doJSON(t, app, http.MethodPost, "/api/rooms/", mod, fiber.Map{"lectureId": "cs101"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPatch, "/api/rooms/cs101/settings", mod,
		fiber.Map{"slowMode": true, "slowModeInterval": 30})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	room := decodeRoom(t, resp)
	assert.True(t, room.Settings.SlowMode)
	assert.Equal(t, 30, room.Settings.SlowModeInterval)
	// Untouched fields keep their values.
	assert.Equal(t, models.DefaultRoomSettings().MaxMessageLength, room.Settings.MaxMessageLength)

	resp = doJSON(t, app, http.MethodPatch, "/api/rooms/nope-404/settings", mod, fiber.Map{"slowMode": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMuteEndpoints(t *testing.T) {
	_, app, _ := newTestServer(t)
	mod := bearerToken(t, "mod-1", "Prof. Moody", models.RoleModerator)
	stu := bearerToken(t, "stu-1", "Sam", models.RoleParticipant)

	t.Run("mute then list then unmute", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/cs101/muted/stu-1", mod,
			fiber.Map{"durationSeconds": 300, "reason": "spam"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		defer func() { _ = resp.Body.Close() }()

		var mu models.MutedUser
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&mu))
		assert.Equal(t, "stu-1", mu.UserID)
		assert.Equal(t, "mod-1", mu.MutedBy)
		assert.Equal(t, "spam", mu.Reason)

		resp = doJSON(t, app, http.MethodGet, "/api/rooms/cs101/muted", mod, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var list struct {
			Muted []models.MutedUser `json:"muted"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		_ = resp.Body.Close()
		require.Len(t, list.Muted, 1)

		resp = doJSON(t, app, http.MethodDelete, "/api/rooms/cs101/muted/stu-1", mod, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doJSON(t, app, http.MethodGet, "/api/rooms/cs101/muted", mod, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		_ = resp.Body.Close()
		assert.Empty(t, list.Muted)
	})

	t.Run("non-positive duration rejected", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/cs101/muted/stu-1", mod,
			fiber.Map{"durationSeconds": 0})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("participant cannot moderate", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/api/rooms/cs101/muted/mod-1", stu,
			fiber.Map{"durationSeconds": 300})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = doJSON(t, app, http.MethodGet, "/api/rooms/cs101/muted", stu, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestIssueWSTicket(t *testing.T) {
	s, app, _ := newTestServer(t)
	stu := bearerToken(t, "stu-1", "Sam", models.RoleParticipant)

	resp := doJSON(t, app, http.MethodPost, "/api/ws/ticket", stu, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Ticket)

	exists, err := s.redis.Exists(context.Background(), "ws:ticket:"+body.Ticket).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	resp = doJSON(t, app, http.MethodPost, "/api/ws/ticket", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthChecks(t *testing.T) {
	_, app, mr := newTestServer(t)

	resp := doJSON(t, app, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mr.SetError("redis is down")
	resp = doJSON(t, app, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	mr.SetError("")
}
