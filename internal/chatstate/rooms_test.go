package chatstate

import (
	"context"
	"testing"

	"lecturechat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoom_Defaults(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)
	ctx := context.Background()

	room, err := store.CreateRoom(ctx, "cs101", nil)
	require.NoError(t, err)
	require.NotNil(t, room)

	assert.Equal(t, "cs101", room.ID)
	assert.Equal(t, "cs101", room.LectureID)
	assert.True(t, room.IsActive)
	assert.True(t, room.IsChatVisible)
	assert.Equal(t, models.DefaultRoomSettings(), room.Settings)
	assert.False(t, room.CreatedAt.IsZero())
}

func TestCreateRoom_ClosedSettings(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)

	settings := models.DefaultRoomSettings()
	settings.ChatEnabled = false

	room, err := store.CreateRoom(context.Background(), "cs101", &settings)
	require.NoError(t, err)

	// Chat disabled at creation keeps the room hidden from participants
	// while the moderator sets it up.
	assert.True(t, room.IsActive)
	assert.False(t, room.IsChatVisible)
	assert.False(t, room.Settings.ChatEnabled)
}

func TestCreateRoom_Idempotent(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)
	ctx := context.Background()

	first, err := store.CreateRoom(ctx, "cs101", nil)
	require.NoError(t, err)

	other := models.DefaultRoomSettings()
	other.MaxMessageLength = 42
	second, err := store.CreateRoom(ctx, "cs101", &other)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
	assert.Equal(t, first.Settings.MaxMessageLength, second.Settings.MaxMessageLength)
}

func TestGetRoom_Missing(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)

	room, err := store.GetRoom(context.Background(), "nope", false)
	assert.NoError(t, err)
	assert.Nil(t, room)
}

func TestGetRoom_MalformedRecordReinitializes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)
	ctx := context.Background()

	require.NoError(t, mr.Set(roomKey("cs101"), "{not json"))

	room, err := store.GetRoom(ctx, "cs101", true)
	assert.NoError(t, err)
	assert.Nil(t, room)
	assert.False(t, mr.Exists(roomKey("cs101")))
}

func TestGetRoom_WrongTypeReinitializes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)

	_, err := rdb.LPush(context.Background(), roomKey("cs101"), "x").Result()
	require.NoError(t, err)

	room, err := store.GetRoom(context.Background(), "cs101", true)
	assert.NoError(t, err)
	assert.Nil(t, room)
	assert.False(t, mr.Exists(roomKey("cs101")))
}

func TestGetRoom_CacheAndForceRefresh(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)
	ctx := context.Background()

	room, err := store.CreateRoom(ctx, "cs101", nil)
	require.NoError(t, err)
	require.True(t, room.IsActive)

	// Flip the stored record behind this store's cache via a second store.
	otherStore := NewRoomStore(rdb, nil)
	_, err = otherStore.SetActive(ctx, "cs101", false)
	require.NoError(t, err)
	require.True(t, mr.Exists(roomKey("cs101")))

	cached, err := store.GetRoom(ctx, "cs101", false)
	require.NoError(t, err)
	assert.True(t, cached.IsActive, "cached read should serve the stale copy within the TTL")

	fresh, err := store.GetRoom(ctx, "cs101", true)
	require.NoError(t, err)
	assert.False(t, fresh.IsActive, "force refresh must bypass the cache")
}

func TestSetActive_TogglesChatEnabled(t *testing.T) {
	_, rdb := newTestRedis(t)
	pub := &capturePublisher{}
	store := NewRoomStore(rdb, pub)
	ctx := context.Background()

	_, err := store.CreateRoom(ctx, "cs101", nil)
	require.NoError(t, err)

	room, err := store.SetActive(ctx, "cs101", false)
	require.NoError(t, err)
	assert.False(t, room.IsActive)
	assert.False(t, room.Settings.ChatEnabled)
	assert.Equal(t, 1, pub.count(EventRoomToggled))

	room, err = store.SetActive(ctx, "cs101", true)
	require.NoError(t, err)
	assert.True(t, room.IsActive)
	assert.True(t, room.Settings.ChatEnabled)
}

func TestSetActive_MissingRoom(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)

	room, err := store.SetActive(context.Background(), "nope", true)
	assert.NoError(t, err)
	assert.Nil(t, room)
}

func TestSetVisible_IndependentOfActive(t *testing.T) {
	_, rdb := newTestRedis(t)
	pub := &capturePublisher{}
	store := NewRoomStore(rdb, pub)
	ctx := context.Background()

	_, err := store.CreateRoom(ctx, "cs101", nil)
	require.NoError(t, err)

	room, err := store.SetVisible(ctx, "cs101", false)
	require.NoError(t, err)
	assert.False(t, room.IsChatVisible)
	assert.True(t, room.IsActive, "visibility must not touch IsActive")
	assert.Equal(t, 1, pub.count(EventChatVisibilityUpdate))
}

func TestUpdateSettings_AppliesPatch(t *testing.T) {
	_, rdb := newTestRedis(t)
	pub := &capturePublisher{}
	store := NewRoomStore(rdb, pub)
	ctx := context.Background()

	_, err := store.CreateRoom(ctx, "cs101", nil)
	require.NoError(t, err)

	slowMode := true
	interval := 15
	room, err := store.UpdateSettings(ctx, "cs101", models.RoomSettingsPatch{
		SlowMode:         &slowMode,
		SlowModeInterval: &interval,
	})
	require.NoError(t, err)
	assert.True(t, room.Settings.SlowMode)
	assert.Equal(t, 15, room.Settings.SlowModeInterval)
	// Untouched fields keep their values.
	assert.Equal(t, models.DefaultRoomSettings().MaxMessageLength, room.Settings.MaxMessageLength)
	assert.Equal(t, 1, pub.count(EventRoomToggled))
}

func TestListRoomIDs_SkipsOtherNamespaces(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRoomStore(rdb, nil)
	ctx := context.Background()

	for _, id := range []string{"cs101", "phys-201", "math55"} {
		_, err := store.CreateRoom(ctx, id, nil)
		require.NoError(t, err)
	}
	require.NoError(t, mr.Set("messages:cs101", "unrelated"))

	ids, err := store.ListRoomIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cs101", "phys-201", "math55"}, ids)
}
