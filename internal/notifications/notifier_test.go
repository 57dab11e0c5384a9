package notifications

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 10 * time.Millisecond
)

// recordingBroadcaster captures local fanout calls for assertions.
type recordingBroadcaster struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{messages: make(map[string][][]byte)}
}

func (b *recordingBroadcaster) BroadcastToRoom(roomID string, message []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[roomID] = append(b.messages[roomID], message)
}

func (b *recordingBroadcaster) count(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[roomID])
}

func (b *recordingBroadcaster) last(roomID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.messages[roomID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func newNotifierRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestNotifier_PublishRoomEvent_LocalFanoutIsSynchronous(t *testing.T) {
	// No Redis configured: publish must still deliver locally and succeed.
	local := newRecordingBroadcaster()
	n := NewNotifier(nil, local)

	err := n.PublishRoomEvent(context.Background(), "cs101", "chat-message", map[string]string{"text": "hi"})
	require.NoError(t, err)

	// Local delivery happens before PublishRoomEvent returns.
	require.Equal(t, 1, local.count("cs101"))

	var wire WireMessage
	require.NoError(t, json.Unmarshal(local.last("cs101"), &wire))
	assert.Equal(t, "chat-message", wire.Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(wire.Payload))
}

func TestNotifier_PublishRoomEvent_ReachesRemoteSubscribers(t *testing.T) {
	rdb := newNotifierRedis(t)

	publisher := NewNotifier(rdb, newRecordingBroadcaster())
	subscriber := NewNotifier(rdb, nil)
	require.NotEqual(t, publisher.Origin(), subscriber.Origin())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type delivery struct {
		roomID string
		env    Envelope
	}
	got := make(chan delivery, 4)
	require.NoError(t, subscriber.StartRoomSubscriber(ctx, func(roomID string, env Envelope) {
		got <- delivery{roomID: roomID, env: env}
	}))

	// PSubscribe setup races with the first publish, so retry until the
	// subscriber sees one.
	assert.Eventually(t, func() bool {
		_ = publisher.PublishRoomEvent(context.Background(), "cs101", "room-toggled", map[string]bool{"isActive": true})
		select {
		case d := <-got:
			assert.Equal(t, "cs101", d.roomID)
			assert.Equal(t, "room-toggled", d.env.Event)
			assert.Equal(t, publisher.Origin(), d.env.Origin)
			return true
		default:
			return false
		}
	}, testEventuallyTimeout, 20*time.Millisecond)
}

func TestNotifier_PublishRemoteOnly_SkipsLocalFanout(t *testing.T) {
	rdb := newNotifierRedis(t)

	local := newRecordingBroadcaster()
	n := NewNotifier(rdb, local)

	require.NoError(t, n.PublishRemoteOnly(context.Background(), "cs101", "user-joined", map[string]string{"userId": "u1"}))
	assert.Equal(t, 0, local.count("cs101"))
}

func TestNotifier_StartRoomSubscriber_SkipsMalformedEnvelopes(t *testing.T) {
	rdb := newNotifierRedis(t)

	n := NewNotifier(rdb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	require.NoError(t, n.StartRoomSubscriber(ctx, func(string, Envelope) {
		atomic.AddInt32(&received, 1)
	}))

	// Wait for the subscription to be live, then inject garbage.
	assert.Eventually(t, func() bool {
		_ = NewNotifier(rdb, nil).PublishRemoteOnly(context.Background(), "cs101", "probe", nil)
		return atomic.LoadInt32(&received) >= 1
	}, testEventuallyTimeout, 20*time.Millisecond)

	before := atomic.LoadInt32(&received)
	require.NoError(t, rdb.Publish(context.Background(), "chat:room:cs101", "not json").Err())

	assert.Never(t, func() bool {
		return atomic.LoadInt32(&received) > before+1
	}, 200*time.Millisecond, testPollInterval)
}

func TestNotifier_StartRoomSubscriber_StopsOnCancel(t *testing.T) {
	rdb := newNotifierRedis(t)

	n := NewNotifier(rdb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	events := make(chan string, 4)
	require.NoError(t, n.StartRoomSubscriber(ctx, func(_ string, env Envelope) {
		atomic.AddInt32(&received, 1)
		events <- env.Event
	}))

	assert.Eventually(t, func() bool {
		_ = n.PublishRemoteOnly(context.Background(), "cs101", "before-cancel", nil)
		return atomic.LoadInt32(&received) >= 1
	}, testEventuallyTimeout, 20*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	// Drain anything delivered before the cancel took effect.
	for len(events) > 0 {
		<-events
	}

	require.NoError(t, n.PublishRemoteOnly(context.Background(), "cs101", "after-cancel", nil))
	assert.Never(t, func() bool {
		select {
		case event := <-events:
			return event == "after-cancel"
		default:
			return false
		}
	}, 200*time.Millisecond, testPollInterval)
}
