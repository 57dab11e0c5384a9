package notifications

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecturechat/internal/models"
)

func testIdentity(userID string) models.Identity {
	return models.Identity{UserID: userID, UserName: "user " + userID, Role: models.RoleParticipant}
}

func registerClient(t *testing.T, hub *RoomHub, userID string) *Client {
	t.Helper()
	client, err := hub.Register(testIdentity(userID), "sess-"+userID, nil)
	require.NoError(t, err)
	return client
}

func drain(client *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-client.Send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestRoomHub_RegisterEnforcesConnectionLimit(t *testing.T) {
	hub := NewRoomHub()

	for i := 0; i < maxConnsPerUser; i++ {
		_, err := hub.Register(testIdentity("u1"), fmt.Sprintf("sess-%d", i), nil)
		require.NoError(t, err)
	}

	_, err := hub.Register(testIdentity("u1"), "sess-over", nil)
	assert.Error(t, err)

	// Other users are unaffected by u1's limit.
	_, err = hub.Register(testIdentity("u2"), "sess-u2", nil)
	assert.NoError(t, err)
}

func TestRoomHub_JoinAndBroadcast(t *testing.T) {
	hub := NewRoomHub()

	alice := registerClient(t, hub, "alice")
	bob := registerClient(t, hub, "bob")
	carol := registerClient(t, hub, "carol")

	hub.JoinRoom("cs101", alice)
	hub.JoinRoom("cs101", bob)
	hub.JoinRoom("math201", carol)

	hub.BroadcastToRoom("cs101", []byte("hello"))

	assert.Len(t, drain(alice), 1)
	assert.Len(t, drain(bob), 1)
	assert.Empty(t, drain(carol))
}

func TestRoomHub_BroadcastToRoomExcept(t *testing.T) {
	hub := NewRoomHub()

	alice := registerClient(t, hub, "alice")
	aliceTablet := registerClient(t, hub, "alice")
	bob := registerClient(t, hub, "bob")

	hub.JoinRoom("cs101", alice)
	hub.JoinRoom("cs101", aliceTablet)
	hub.JoinRoom("cs101", bob)

	hub.BroadcastToRoomExcept("cs101", "alice", []byte("alice joined"))

	// All of the acting user's connections are excluded, not just one.
	assert.Empty(t, drain(alice))
	assert.Empty(t, drain(aliceTablet))
	assert.Len(t, drain(bob), 1)
}

func TestRoomHub_ConnectedUserIDs(t *testing.T) {
	hub := NewRoomHub()

	alice := registerClient(t, hub, "alice")
	aliceTablet := registerClient(t, hub, "alice")
	bob := registerClient(t, hub, "bob")

	hub.JoinRoom("cs101", alice)
	hub.JoinRoom("cs101", aliceTablet)
	hub.JoinRoom("cs101", bob)

	ids := hub.ConnectedUserIDs("cs101")
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "alice")
	assert.Contains(t, ids, "bob")

	assert.Empty(t, hub.ConnectedUserIDs("math201"))
}

func TestRoomHub_IsUserConnected(t *testing.T) {
	hub := NewRoomHub()

	alice := registerClient(t, hub, "alice")
	aliceTablet := registerClient(t, hub, "alice")
	hub.JoinRoom("cs101", alice)
	hub.JoinRoom("cs101", aliceTablet)

	assert.True(t, hub.IsUserConnected("cs101", "alice"))
	assert.False(t, hub.IsUserConnected("cs101", "bob"))

	// Still connected through the second device after one leaves.
	hub.LeaveRoom("cs101", alice)
	assert.True(t, hub.IsUserConnected("cs101", "alice"))

	hub.LeaveRoom("cs101", aliceTablet)
	assert.False(t, hub.IsUserConnected("cs101", "alice"))
}

func TestRoomHub_LeaveRoomStopsDelivery(t *testing.T) {
	hub := NewRoomHub()

	alice := registerClient(t, hub, "alice")
	hub.JoinRoom("cs101", alice)
	hub.LeaveRoom("cs101", alice)

	hub.BroadcastToRoom("cs101", []byte("hello"))
	assert.Empty(t, drain(alice))

	// Leaving a room the client never joined is a no-op.
	hub.LeaveRoom("math201", alice)
}

func TestRoomHub_UnregisterClientCleansUpRooms(t *testing.T) {
	hub := NewRoomHub()

	alice := registerClient(t, hub, "alice")
	bob := registerClient(t, hub, "bob")
	hub.JoinRoom("cs101", alice)
	hub.JoinRoom("math201", alice)
	hub.JoinRoom("cs101", bob)

	hub.UnregisterClient(alice)

	assert.False(t, hub.IsUserConnected("cs101", "alice"))
	assert.False(t, hub.IsUserConnected("math201", "alice"))
	assert.True(t, hub.IsUserConnected("cs101", "bob"))

	// The freed slot can be reused.
	_, err := hub.Register(testIdentity("alice"), "sess-new", nil)
	assert.NoError(t, err)

	// Unregistering twice is harmless.
	hub.UnregisterClient(alice)
}

func TestRoomHub_SendToClient(t *testing.T) {
	hub := NewRoomHub()

	alice := registerClient(t, hub, "alice")
	bob := registerClient(t, hub, "bob")
	hub.JoinRoom("cs101", alice)
	hub.JoinRoom("cs101", bob)

	hub.SendToClient(alice, []byte("just for you"))

	assert.Len(t, drain(alice), 1)
	assert.Empty(t, drain(bob))
}

func TestRoomHub_StartWiring_RelaysForeignEventsOnly(t *testing.T) {
	rdb := newNotifierRedis(t)

	hub := NewRoomHub()
	alice := registerClient(t, hub, "alice")
	hub.JoinRoom("cs101", alice)

	own := NewNotifier(rdb, hub)
	foreign := NewNotifier(rdb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.StartWiring(ctx, own))

	// An event from another process reaches local clients via the wiring.
	assert.Eventually(t, func() bool {
		_ = foreign.PublishRemoteOnly(context.Background(), "cs101", "chat-message", map[string]string{"text": "hi"})
		return len(drain(alice)) > 0
	}, testEventuallyTimeout, 20*time.Millisecond)

	// Our own remote echo is dropped: one publish yields exactly one local
	// delivery, from the synchronous fanout.
	require.NoError(t, own.PublishRoomEvent(context.Background(), "cs101", "chat-message", map[string]string{"text": "again"}))
	assert.Len(t, drain(alice), 1)
	assert.Never(t, func() bool {
		return len(drain(alice)) > 0
	}, 200*time.Millisecond, testPollInterval)
}
