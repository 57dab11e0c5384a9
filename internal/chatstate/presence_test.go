package chatstate

import (
	"context"
	"testing"
	"time"

	"lecturechat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLocalPresence fakes the hub's live-connection index.
type stubLocalPresence struct {
	connected map[string]map[string]struct{}
}

func (s *stubLocalPresence) ConnectedUserIDs(roomID string) map[string]struct{} {
	return s.connected[roomID]
}

func TestAddParticipant_Upserts(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewPresenceStore(rdb, nil)
	ctx := context.Background()

	p := models.ChatParticipant{UserID: "user-1", UserName: "Ada", UserRole: models.RoleParticipant, IsOnline: true}
	require.NoError(t, store.AddParticipant(ctx, "cs101", p))

	// Re-adding the same user replaces, never duplicates.
	p.UserName = "Ada L."
	require.NoError(t, store.AddParticipant(ctx, "cs101", p))

	participants, err := store.GetParticipants(ctx, "cs101")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "Ada L.", participants[0].UserName)
	assert.False(t, participants[0].LastActive.IsZero())
}

func TestUpdateStatus_UnknownUserGetsMinimalRecord(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewPresenceStore(rdb, nil)
	ctx := context.Background()

	require.NoError(t, store.UpdateStatus(ctx, "cs101", "user-1", true))

	participants, err := store.GetParticipants(ctx, "cs101")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "user-1", participants[0].UserID)
	assert.Equal(t, models.RoleParticipant, participants[0].UserRole)
	assert.True(t, participants[0].IsOnline)
}

func TestUpdateStatus_FlipsOnlineKeepingIdentity(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewPresenceStore(rdb, nil)
	ctx := context.Background()

	p := models.ChatParticipant{UserID: "user-1", UserName: "Ada", UserRole: models.RoleModerator, IsOnline: true}
	require.NoError(t, store.AddParticipant(ctx, "cs101", p))

	require.NoError(t, store.UpdateStatus(ctx, "cs101", "user-1", false))

	participants, err := store.GetParticipants(ctx, "cs101")
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.False(t, participants[0].IsOnline)
	assert.Equal(t, "Ada", participants[0].UserName)
	assert.Equal(t, models.RoleModerator, participants[0].UserRole)
}

func TestGetParticipants_MergesLocalConnections(t *testing.T) {
	_, rdb := newTestRedis(t)
	local := &stubLocalPresence{connected: map[string]map[string]struct{}{
		"cs101": {"user-1": {}},
	}}
	store := NewPresenceStore(rdb, local)
	ctx := context.Background()

	// Persisted as offline, but this process holds a live connection.
	require.NoError(t, store.AddParticipant(ctx, "cs101", models.ChatParticipant{
		UserID: "user-1", IsOnline: false, LastActive: time.Now(),
	}))
	require.NoError(t, store.AddParticipant(ctx, "cs101", models.ChatParticipant{
		UserID: "user-2", IsOnline: false, LastActive: time.Now(),
	}))

	participants, err := store.GetParticipants(ctx, "cs101")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, "user-1", participants[0].UserID)
	assert.True(t, participants[0].IsOnline, "live local connection overrides the persisted flag")
	assert.False(t, participants[1].IsOnline)
}

func TestRemoveParticipant(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewPresenceStore(rdb, nil)
	ctx := context.Background()

	require.NoError(t, store.AddParticipant(ctx, "cs101", models.ChatParticipant{UserID: "user-1"}))
	require.NoError(t, store.RemoveParticipant(ctx, "cs101", "user-1"))

	participants, err := store.GetParticipants(ctx, "cs101")
	require.NoError(t, err)
	assert.Empty(t, participants)
}

func TestGetParticipants_WrongTypeReinitializes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewPresenceStore(rdb, nil)

	require.NoError(t, mr.Set(participantsKey("cs101"), "not a hash"))

	participants, err := store.GetParticipants(context.Background(), "cs101")
	require.NoError(t, err)
	assert.Empty(t, participants)
	assert.False(t, mr.Exists(participantsKey("cs101")))
}
