// Package chatstate is the shared chat state library backed by the keyed
// ephemeral store. Both the HTTP layer and the realtime gateway go through
// it, so every process observes the same room, message, presence, poll,
// mute and rate-limit state.
package chatstate

// Key layout in the keyed store. Keys are namespaced by room so a room's
// whole footprint can be found by prefix scan.
func roomKey(roomID string) string { return "room:" + roomID }

func messagesKey(roomID string) string { return "messages:" + roomID }

func pinnedMessageKey(roomID string) string { return "messages:" + roomID + ":pinned" }

func participantsKey(roomID string) string { return "participants:" + roomID }

func pollKey(roomID, pollID string) string { return "poll:" + roomID + ":" + pollID }

func pollTalliesKey(roomID, pollID string) string { return "poll:" + roomID + ":" + pollID + ":votes" }

func pollVoteKey(roomID, pollID, userID string) string {
	return "poll:" + roomID + ":" + pollID + ":vote:" + userID
}

func activePollsKey(roomID string) string { return "poll:" + roomID + ":active" }

func rateLimitKey(roomID, userID string) string { return "ratelimit:" + roomID + ":" + userID }

func slowModeKey(roomID, userID string) string { return "ratelimit:slow:" + roomID + ":" + userID }

func mutedKey(roomID, userID string) string { return "muted:" + roomID + ":" + userID }

func mutedPattern(roomID string) string { return "muted:" + roomID + ":*" }

func sessionKey(sessionID string) string { return "session:" + sessionID }

func userSessionKey(userID string) string { return "user:" + userID + ":session" }

// RoomChannel is the pub/sub channel carrying a room's broadcast events.
func RoomChannel(roomID string) string { return "chat:room:" + roomID }

// RoomChannelPattern matches every room channel for process-wide subscription.
const RoomChannelPattern = "chat:room:*"
