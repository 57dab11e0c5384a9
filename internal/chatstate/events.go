package chatstate

import (
	"context"
	"log"
)

// Broadcast event names, matching the client protocol. Store mutators
// publish these after the corresponding store write succeeds, never before.
const (
	EventRoomData             = "room-data"
	EventNewMessage           = "new-message"
	EventMessagePinned        = "message-pinned"
	EventMessageUnpinned      = "message-unpinned"
	EventMessageDeleted       = "message-deleted"
	EventNewPoll              = "new-poll"
	EventPollUpdated          = "poll-updated"
	EventPollClosed           = "poll-closed"
	EventPollRemoved          = "poll-removed"
	EventChatEvent            = "chat-event"
	EventChatVisibilityUpdate = "chat-visibility-update"
	EventRoomToggled          = "room-toggled"
	EventMuted                = "muted"
	EventBatchMessages        = "batch-messages"
)

// Publisher fans a room event out to every subscribed session, local and
// cross-process. A nil Publisher on any store disables publishing, which the
// cleanup scheduler uses for silent sweeps.
type Publisher interface {
	PublishRoomEvent(ctx context.Context, roomID, event string, payload any) error
}

func publish(ctx context.Context, pub Publisher, roomID, event string, payload any) {
	if pub == nil {
		return
	}
	// Publish failures are delivery failures, not state failures; the write
	// already succeeded so the caller must not see an error here.
	if err := pub.PublishRoomEvent(ctx, roomID, event, payload); err != nil {
		log.Printf("publish %s for room %s failed: %v", event, roomID, err)
	}
}
