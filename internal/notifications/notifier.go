package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lecturechat/internal/chatstate"
	"lecturechat/internal/observability"
)

// WireMessage is the frame format delivered to websocket clients.
type WireMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope wraps a room event for cross-process transport. Origin is the
// publishing process's id so subscribers can discard their own echoes.
type Envelope struct {
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LocalBroadcaster is the local fanout a Notifier delivers to before
// handing an event to Redis.
type LocalBroadcaster interface {
	BroadcastToRoom(roomID string, message []byte)
}

// Notifier publishes room events to local clients synchronously and to
// Redis pub/sub for other processes. One Notifier per process.
type Notifier struct {
	rdb    *redis.Client
	local  LocalBroadcaster
	origin string
}

// NewNotifier creates a Notifier with a fresh origin id.
func NewNotifier(rdb *redis.Client, local LocalBroadcaster) *Notifier {
	return &Notifier{
		rdb:    rdb,
		local:  local,
		origin: uuid.NewString(),
	}
}

// Origin returns this process's publisher id.
func (n *Notifier) Origin() string { return n.origin }

// PublishRoomEvent delivers an event to local room subscribers immediately
// and forwards it to other processes via Redis. The Redis leg is
// fire-and-forget: local delivery never waits on the network.
func (n *Notifier) PublishRoomEvent(ctx context.Context, roomID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	wire, err := json.Marshal(WireMessage{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal wire message: %w", err)
	}
	if n.local != nil {
		n.local.BroadcastToRoom(roomID, wire)
	}

	n.publishRemote(ctx, roomID, event, raw)
	return nil
}

// PublishRemoteOnly forwards an event to other processes without local
// fanout. Used when the local delivery already happened with different
// scoping, such as announcements excluding the acting user.
func (n *Notifier) PublishRemoteOnly(ctx context.Context, roomID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	n.publishRemote(ctx, roomID, event, raw)
	return nil
}

func (n *Notifier) publishRemote(ctx context.Context, roomID, event string, payload json.RawMessage) {
	if n.rdb == nil {
		return
	}
	env, err := json.Marshal(Envelope{Origin: n.origin, Event: event, Payload: payload})
	if err != nil {
		slog.Error("failed to marshal event envelope", "event", event, "error", err)
		return
	}

	// Publish off the request path. The subscriber side tolerates loss:
	// clients re-fetch state on reconnect.
	go func() {
		pubCtx, span := observability.StartRedisSpan(context.WithoutCancel(ctx), "publish")
		err := n.rdb.Publish(pubCtx, chatstate.RoomChannel(roomID), env).Err()
		observability.EndSpan(span, err)
		if err != nil {
			observability.EventPublishFailures.WithLabelValues(event).Inc()
			slog.Error("failed to publish room event", "roomId", roomID, "event", event, "error", err)
		}
	}()
}

// StartRoomSubscriber subscribes to all room channels and calls onMessage
// for each parsed envelope. Malformed envelopes are logged and skipped.
func (n *Notifier) StartRoomSubscriber(
	ctx context.Context, onMessage func(roomID string, env Envelope),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, chatstate.RoomChannelPattern)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("panic in room subscriber", "recover", r, "stack", string(debug.Stack()))
						}
					}()
					roomID := strings.TrimPrefix(msg.Channel, chatstate.RoomChannel(""))
					var env Envelope
					if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
						slog.Warn("dropping malformed room event", "channel", msg.Channel, "error", err)
						return
					}
					onMessage(roomID, env)
				}()
			}
		}
	}()

	return nil
}
