package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"lecturechat/internal/chatstate"
	"lecturechat/internal/middleware"
	"lecturechat/internal/models"
	"lecturechat/internal/notifications"
	"lecturechat/internal/observability"
	"lecturechat/internal/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// wsCommand is the frame format clients send. AckID, when present, is echoed
// back in the ack so the client can match responses to requests.
type wsCommand struct {
	Command string          `json:"command"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// connState is the per-connection gateway state. Rooms the connection has
// joined map to the effective role resolved at join time.
type connState struct {
	identity models.Identity
	session  *models.Session
	joined   map[string]models.Role
}

func (st *connState) roleIn(roomID string) (models.Role, bool) {
	role, ok := st.joined[roomID]
	return role, ok
}

var (
	wsLog     = observability.NewWSLogger("room hub")
	wsMetrics = observability.NewRoomMetrics()
)

// WebSocketChatHandler handles WebSocket connections for lecture chat.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		// One correlation id per connection, so every log line from the
		// connection's lifetime can be tied together.
		ctx := observability.WithCorrelationID(
			context.Background(), observability.GenerateCorrelationID(),
		)

		identityVal := conn.Locals("identity")
		identity, ok := identityVal.(models.Identity)
		if !ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","payload":{"code":"UNAUTHORIZED","message":"unauthorized"}}`))
			_ = conn.Close()
			return
		}

		session, err := s.sessions.Establish(ctx, identity)
		if err != nil {
			wsLog.LogError(ctx, identity.UserID, "", err, "session")
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(identity, session.SessionID, conn)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"error","payload":{"code":"CONNECTION_LIMIT","message":"`+err.Error()+`"}}`))
			_ = conn.Close()
			return
		}

		st := &connState{
			identity: identity,
			session:  session,
			joined:   make(map[string]models.Role),
		}

		client.IncomingHandler = func(c *notifications.Client, message []byte) {
			var cmd wsCommand
			if err := json.Unmarshal(message, &cmd); err != nil {
				s.sendError(c, "", "BAD_REQUEST", "invalid message format", 0)
				return
			}
			if cmd.Command == "" {
				return
			}

			wsMetrics.RecordWebSocketEvent(cmd.Command)
			_ = s.sessions.Touch(ctx, session.SessionID)

			s.dispatch(ctx, st, c, cmd)
		}

		wsLog.LogConnect(ctx, identity.UserID, "")

		s.sendEvent(client, "connected", fiber.Map{
			"userId":    identity.UserID,
			"sessionId": session.SessionID,
		})

		go client.WritePump()
		client.ReadPump()

		// Connection is gone. For every room this connection had joined,
		// flip presence offline if no other local connection remains.
		for roomID := range st.joined {
			if s.hub.IsUserConnected(roomID, identity.UserID) {
				continue
			}
			if err := s.presence.UpdateStatus(ctx, roomID, identity.UserID, false); err != nil {
				wsLog.LogError(ctx, identity.UserID, roomID, err, "disconnect")
			}
			s.broadcastRoomEvent(ctx, roomID, identity, "LEAVE")
			wsMetrics.DecrementRoom(roomID)
		}
		wsLog.LogDisconnect(ctx, identity.UserID, "", "connection closed")
	})
}

func (s *Server) dispatch(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	ctx, span := observability.StartCommandSpan(ctx, cmd.Command)
	defer span.End()

	switch cmd.Command {
	case "join-room":
		s.handleJoinRoom(ctx, st, c, cmd)
	case "leave-room":
		s.handleLeaveRoom(ctx, st, c, cmd)
	case "send-message":
		s.handleSendMessage(ctx, st, c, cmd)
	case "pin-message":
		s.handlePinMessage(ctx, st, c, cmd)
	case "unpin-message":
		s.handleUnpinMessage(ctx, st, c, cmd)
	case "delete-message":
		s.handleDeleteMessage(ctx, st, c, cmd)
	case "create-poll":
		s.handleCreatePoll(ctx, st, c, cmd)
	case "vote-poll":
		s.handleVotePoll(ctx, st, c, cmd)
	case "close-poll":
		s.handleClosePoll(ctx, st, c, cmd)
	case "activate-chat":
		s.handleSetChatVisible(ctx, st, c, cmd, true)
	case "deactivate-chat":
		s.handleSetChatVisible(ctx, st, c, cmd, false)
	case "batch-messages":
		s.handleBatchMessages(ctx, st, c, cmd)
	default:
		s.sendError(c, cmd.AckID, "UNKNOWN_COMMAND", "unknown command: "+cmd.Command, 0)
	}
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

func (s *Server) handleJoinRoom(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req roomRef
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId is required", 0)
		return
	}
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", err.Error(), 0)
		return
	}
	roomID := req.RoomID

	role, err := s.lectureGate.RoleFor(ctx, roomID, st.identity)
	if err != nil {
		wsLog.LogError(ctx, st.identity.UserID, roomID, err, "join-room")
		role = st.identity.Role
	}

	room, err := s.rooms.GetRoom(ctx, roomID, true)
	if err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to load room", 0)
		return
	}
	if room == nil {
		if !role.Privileged() {
			s.sendError(c, cmd.AckID, "NOT_FOUND", "room does not exist", 0)
			return
		}
		// A moderator joining first brings the room up closed: live for
		// them, invisible and disabled for participants until opened.
		settings := models.DefaultRoomSettings()
		settings.ChatEnabled = false
		room, err = s.rooms.CreateRoom(ctx, roomID, &settings)
		if err != nil {
			s.sendError(c, cmd.AckID, "INTERNAL", "failed to create room", 0)
			return
		}
	}

	ident := st.identity
	ident.Role = role
	if err := s.presence.AddParticipant(ctx, roomID, ident.Participant(true)); err != nil {
		wsLog.LogError(ctx, st.identity.UserID, roomID, err, "join-room")
	}

	s.hub.JoinRoom(roomID, c)
	st.joined[roomID] = role
	wsMetrics.IncrementRoom(roomID)

	snapshot, err := s.roomSnapshot(ctx, roomID, room, st.identity.UserID)
	if err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to load room state", 0)
		return
	}
	s.sendEvent(c, chatstate.EventRoomData, snapshot)

	// Everyone already in the room learns about the join; the joining
	// client gets the snapshot instead of its own announcement.
	s.broadcastRoomEventExcept(ctx, roomID, ident, "JOIN")

	s.sendAck(c, cmd.AckID, fiber.Map{"roomId": roomID, "role": role})
	wsLog.LogCommand(ctx, st.identity.UserID, roomID, "join-room")
}

func (s *Server) handleLeaveRoom(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req roomRef
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId is required", 0)
		return
	}
	roomID := req.RoomID

	if _, ok := st.joined[roomID]; !ok {
		s.sendAck(c, cmd.AckID, fiber.Map{"roomId": roomID})
		return
	}

	s.hub.LeaveRoom(roomID, c)
	delete(st.joined, roomID)
	wsMetrics.DecrementRoom(roomID)

	if !s.hub.IsUserConnected(roomID, st.identity.UserID) {
		if err := s.presence.UpdateStatus(ctx, roomID, st.identity.UserID, false); err != nil {
			wsLog.LogError(ctx, st.identity.UserID, roomID, err, "leave-room")
		}
		s.broadcastRoomEvent(ctx, roomID, st.identity, "LEAVE")
	}

	s.sendAck(c, cmd.AckID, fiber.Map{"roomId": roomID})
}

type sendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

func (s *Server) handleSendMessage(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req sendMessageRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId is required", 0)
		return
	}

	role, ok := st.roleIn(req.RoomID)
	if !ok {
		s.sendError(c, cmd.AckID, "NOT_JOINED", "join the room first", 0)
		return
	}

	room, err := s.rooms.GetRoom(ctx, req.RoomID, false)
	if err != nil || room == nil {
		s.sendError(c, cmd.AckID, "NOT_FOUND", "room does not exist", 0)
		return
	}

	privileged := role.Privileged()
	if !privileged && (!room.IsActive || !room.Settings.ChatEnabled) {
		s.sendError(c, cmd.AckID, "CHAT_DISABLED", "chat is not open", 0)
		return
	}

	if muted, mu, err := s.mutes.IsMuted(ctx, req.RoomID, st.identity.UserID); err == nil && muted {
		retry := time.Until(mu.MutedUntil)
		s.sendError(c, cmd.AckID, "MUTED", "you are muted in this room", retry)
		return
	}

	msgType := models.MessageText
	if req.Type != "" {
		msgType = models.MessageType(strings.ToUpper(req.Type))
		if msgType == models.MessageAnnouncement && !privileged {
			s.sendError(c, cmd.AckID, "FORBIDDEN", "announcements require moderator access", 0)
			return
		}
		if msgType != models.MessageText && msgType != models.MessageAnnouncement {
			s.sendError(c, cmd.AckID, "BAD_REQUEST", "unsupported message type", 0)
			return
		}
	}

	if !privileged {
		// Slow mode wins over the generic limiter when both are on.
		if room.Settings.SlowMode && room.Settings.SlowModeInterval > 0 {
			interval := time.Duration(room.Settings.SlowModeInterval) * time.Second
			allowed, retry, err := s.limiter.CheckSlowMode(ctx, req.RoomID, st.identity.UserID, interval)
			if err != nil {
				s.sendError(c, cmd.AckID, "INTERNAL", "rate limit check failed", 0)
				return
			}
			if !allowed {
				observability.RateLimitRejections.WithLabelValues("slow_mode").Inc()
				s.sendError(c, cmd.AckID, "SLOW_MODE", "slow mode is enabled, please wait", retry)
				return
			}
		} else {
			window := time.Duration(s.config.ChatRateWindowSeconds) * time.Second
			allowed, retry, err := s.limiter.Check(ctx, req.RoomID, st.identity.UserID, s.config.ChatRateLimit, window)
			if err != nil {
				s.sendError(c, cmd.AckID, "INTERNAL", "rate limit check failed", 0)
				return
			}
			if !allowed {
				observability.RateLimitRejections.WithLabelValues("rate_limit").Inc()
				s.sendError(c, cmd.AckID, "RATE_LIMITED", "sending too fast, slow down", retry)
				return
			}
		}
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "message is empty", 0)
		return
	}
	if max := room.Settings.MaxMessageLength; max > 0 && len(content) > max {
		s.sendError(c, cmd.AckID, "TOO_LONG", "message exceeds the length limit", 0)
		return
	}
	if s.flags.EnabledWithDefault("profanity_filter", st.identity.UserID, true) {
		content = s.filter.Clean(content)
	}

	msg := models.ChatMessage{
		RoomID:    req.RoomID,
		UserID:    st.identity.UserID,
		UserName:  st.identity.UserName,
		UserImage: st.identity.UserImage,
		UserRole:  role,
		Content:   content,
		Type:      msgType,
	}
	if err := s.messages.SaveMessage(ctx, &msg); err != nil {
		wsLog.LogError(ctx, st.identity.UserID, req.RoomID, err, "send-message")
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to store message", 0)
		return
	}
	if err := s.rooms.Touch(ctx, req.RoomID); err != nil {
		wsLog.LogError(ctx, st.identity.UserID, req.RoomID, err, "send-message")
	}

	wsMetrics.RecordMessage(req.RoomID, string(msgType))
	s.sendAck(c, cmd.AckID, fiber.Map{"messageId": msg.ID})
}

type messageRef struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

func (s *Server) handlePinMessage(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req messageRef
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" || req.MessageID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId and messageId are required", 0)
		return
	}
	if !s.requirePrivileged(st, c, cmd.AckID, req.RoomID) {
		return
	}

	found, err := s.messages.PinMessage(ctx, req.RoomID, req.MessageID)
	if err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to pin message", 0)
		return
	}
	if !found {
		s.sendError(c, cmd.AckID, "NOT_FOUND", "message not found", 0)
		return
	}
	s.sendAck(c, cmd.AckID, fiber.Map{"messageId": req.MessageID})
}

func (s *Server) handleUnpinMessage(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req roomRef
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId is required", 0)
		return
	}
	if !s.requirePrivileged(st, c, cmd.AckID, req.RoomID) {
		return
	}

	if _, err := s.messages.UnpinMessage(ctx, req.RoomID); err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to unpin message", 0)
		return
	}
	s.sendAck(c, cmd.AckID, nil)
}

func (s *Server) handleDeleteMessage(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req messageRef
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" || req.MessageID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId and messageId are required", 0)
		return
	}
	if !s.requirePrivileged(st, c, cmd.AckID, req.RoomID) {
		return
	}

	found, err := s.messages.DeleteMessage(ctx, req.RoomID, req.MessageID)
	if err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to delete message", 0)
		return
	}
	if !found {
		s.sendError(c, cmd.AckID, "NOT_FOUND", "message not found", 0)
		return
	}
	s.sendAck(c, cmd.AckID, fiber.Map{"messageId": req.MessageID})
}

type createPollRequest struct {
	RoomID   string   `json:"roomId"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

func (s *Server) handleCreatePoll(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req createPollRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId is required", 0)
		return
	}
	if !s.requirePrivileged(st, c, cmd.AckID, req.RoomID) {
		return
	}
	if !s.flags.EnabledWithDefault("polls", st.identity.UserID, true) {
		s.sendError(c, cmd.AckID, "FEATURE_DISABLED", "polls are disabled", 0)
		return
	}

	room, err := s.rooms.GetRoom(ctx, req.RoomID, false)
	if err != nil || room == nil {
		s.sendError(c, cmd.AckID, "NOT_FOUND", "room does not exist", 0)
		return
	}

	poll, err := s.polls.CreatePoll(ctx, room, req.Question, req.Options, st.identity.UserID)
	if err != nil {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", err.Error(), 0)
		return
	}
	s.polls.StartAutoClose(req.RoomID, poll.ID)
	s.sendAck(c, cmd.AckID, fiber.Map{"pollId": poll.ID})
}

type votePollRequest struct {
	RoomID   string `json:"roomId"`
	PollID   string `json:"pollId"`
	OptionID string `json:"optionId"`
}

func (s *Server) handleVotePoll(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req votePollRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" || req.PollID == "" || req.OptionID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId, pollId and optionId are required", 0)
		return
	}
	if _, ok := st.roleIn(req.RoomID); !ok {
		s.sendError(c, cmd.AckID, "NOT_JOINED", "join the room first", 0)
		return
	}

	poll, err := s.polls.VotePoll(ctx, req.RoomID, req.PollID, st.identity.UserID, req.OptionID)
	if err != nil {
		s.sendError(c, cmd.AckID, "VOTE_REJECTED", err.Error(), 0)
		return
	}
	observability.PollVotesTotal.WithLabelValues(req.RoomID).Inc()
	s.sendAck(c, cmd.AckID, fiber.Map{"pollId": poll.ID})
}

type pollRef struct {
	RoomID string `json:"roomId"`
	PollID string `json:"pollId"`
}

func (s *Server) handleClosePoll(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req pollRef
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" || req.PollID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId and pollId are required", 0)
		return
	}
	if !s.requirePrivileged(st, c, cmd.AckID, req.RoomID) {
		return
	}

	poll, err := s.polls.ClosePoll(ctx, req.RoomID, req.PollID)
	if err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to close poll", 0)
		return
	}
	if poll == nil {
		// Already closed by someone else; not an error.
		s.sendAck(c, cmd.AckID, fiber.Map{"pollId": req.PollID, "alreadyClosed": true})
		return
	}
	s.sendAck(c, cmd.AckID, fiber.Map{"pollId": poll.ID})
}

func (s *Server) handleSetChatVisible(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand, visible bool) {
	var req roomRef
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId is required", 0)
		return
	}
	if !s.requirePrivileged(st, c, cmd.AckID, req.RoomID) {
		return
	}

	room, err := s.rooms.SetVisible(ctx, req.RoomID, visible)
	if err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to update visibility", 0)
		return
	}
	if room == nil {
		s.sendError(c, cmd.AckID, "NOT_FOUND", "room does not exist", 0)
		return
	}
	s.sendAck(c, cmd.AckID, fiber.Map{"roomId": req.RoomID, "visible": visible})
}

type batchMessagesRequest struct {
	RoomID   string               `json:"roomId"`
	Messages []models.ChatMessage `json:"messages"`
}

func (s *Server) handleBatchMessages(ctx context.Context, st *connState, c *notifications.Client, cmd wsCommand) {
	var req batchMessagesRequest
	if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.RoomID == "" {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "roomId is required", 0)
		return
	}
	if !s.requirePrivileged(st, c, cmd.AckID, req.RoomID) {
		return
	}
	if len(req.Messages) == 0 {
		s.sendError(c, cmd.AckID, "BAD_REQUEST", "messages are required", 0)
		return
	}

	role := st.joined[req.RoomID]
	ident := st.identity
	ident.Role = role
	saved, err := s.messages.SaveBatch(ctx, req.RoomID, req.Messages, ident)
	if err != nil {
		s.sendError(c, cmd.AckID, "INTERNAL", "failed to store batch", 0)
		return
	}
	if err := s.rooms.Touch(ctx, req.RoomID); err != nil {
		wsLog.LogError(ctx, st.identity.UserID, req.RoomID, err, "batch-messages")
	}
	s.sendAck(c, cmd.AckID, fiber.Map{"stored": len(saved)})
}

// requirePrivileged checks that the connection joined the room with a
// moderator or admin role, sending the appropriate error otherwise.
func (s *Server) requirePrivileged(st *connState, c *notifications.Client, ackID, roomID string) bool {
	role, ok := st.roleIn(roomID)
	if !ok {
		s.sendError(c, ackID, "NOT_JOINED", "join the room first", 0)
		return false
	}
	if !role.Privileged() {
		s.sendError(c, ackID, "FORBIDDEN", "moderator access required", 0)
		return false
	}
	return true
}

// roomSnapshot assembles the full room state sent to a joining client.
func (s *Server) roomSnapshot(ctx context.Context, roomID string, room *models.Room, userID string) (fiber.Map, error) {
	msgs, err := s.messages.GetMessages(ctx, roomID, 0)
	if err != nil {
		return nil, err
	}
	pinned, err := s.messages.GetPinnedMessage(ctx, roomID)
	if err != nil {
		return nil, err
	}
	participants, err := s.presence.GetParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	polls, err := s.polls.GetActivePolls(ctx, roomID)
	if err != nil {
		return nil, err
	}
	pollIDs := make([]string, len(polls))
	for i, p := range polls {
		pollIDs[i] = p.ID
	}
	votes, err := s.polls.GetUserVotes(ctx, roomID, userID, pollIDs)
	if err != nil {
		return nil, err
	}

	var mutedUntil *time.Time
	if muted, mu, err := s.mutes.IsMuted(ctx, roomID, userID); err == nil && muted {
		mutedUntil = &mu.MutedUntil
	}

	return fiber.Map{
		"room":         room,
		"messages":     msgs,
		"pinned":       pinned,
		"participants": participants,
		"activePolls":  polls,
		"votes":        votes,
		"mutedUntil":   mutedUntil,
	}, nil
}

// broadcastRoomEvent announces a join/leave style event to the whole room,
// local and remote.
func (s *Server) broadcastRoomEvent(ctx context.Context, roomID string, identity models.Identity, eventType string) {
	payload := fiber.Map{
		"type":     eventType,
		"userId":   identity.UserID,
		"userName": identity.UserName,
	}
	if err := s.notifier.PublishRoomEvent(ctx, roomID, chatstate.EventChatEvent, payload); err != nil {
		wsLog.LogError(ctx, identity.UserID, roomID, err, "broadcast")
	}
}

// broadcastRoomEventExcept delivers the announcement to everyone locally
// except the acting user, and remote-only for other processes.
func (s *Server) broadcastRoomEventExcept(ctx context.Context, roomID string, identity models.Identity, eventType string) {
	payload := fiber.Map{
		"type":     eventType,
		"userId":   identity.UserID,
		"userName": identity.UserName,
	}
	raw, err := json.Marshal(notifications.WireMessage{Event: chatstate.EventChatEvent, Payload: mustJSON(payload)})
	if err != nil {
		wsLog.LogError(ctx, identity.UserID, roomID, err, "broadcast")
		return
	}
	s.hub.BroadcastToRoomExcept(roomID, identity.UserID, raw)
	if err := s.notifier.PublishRemoteOnly(ctx, roomID, chatstate.EventChatEvent, payload); err != nil {
		wsLog.LogError(ctx, identity.UserID, roomID, err, "broadcast")
	}
}

func (s *Server) sendEvent(c *notifications.Client, event string, payload any) {
	raw, err := json.Marshal(notifications.WireMessage{Event: event, Payload: mustJSON(payload)})
	if err != nil {
		return
	}
	c.TrySend(raw)
}

func (s *Server) sendAck(c *notifications.Client, ackID string, data any) {
	if ackID == "" {
		return
	}
	s.sendEvent(c, "ack", fiber.Map{"ackId": ackID, "ok": true, "data": data})
}

func (s *Server) sendError(c *notifications.Client, ackID, code, message string, retryAfter time.Duration) {
	payload := fiber.Map{
		"code":    code,
		"message": message,
	}
	if retryAfter > 0 {
		payload["retryAfterMs"] = retryAfter.Milliseconds()
	}
	if ackID != "" {
		s.sendEvent(c, "ack", fiber.Map{"ackId": ackID, "ok": false, "error": payload})
		return
	}
	s.sendEvent(c, "error", payload)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
