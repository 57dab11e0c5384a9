// Package models defines the chat domain types shared across the application.
package models

import "time"

// Role is the caller's fixed authorization role within the chat service.
type Role string

const (
	// RoleParticipant is the least-privileged role and the default for
	// connections with a missing or unrecognized role claim.
	RoleParticipant Role = "PARTICIPANT"
	// RoleModerator may pin, mute, toggle and activate rooms.
	RoleModerator Role = "MODERATOR"
	// RoleAdmin has the same chat powers as a moderator.
	RoleAdmin Role = "ADMIN"
)

// Privileged reports whether the role may perform moderator actions.
func (r Role) Privileged() bool {
	return r == RoleModerator || r == RoleAdmin
}

// ParseRole maps an untrusted role string to a Role, defaulting to
// RoleParticipant. Never escalates on missing or invalid data.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleModerator, RoleAdmin:
		return Role(s)
	default:
		return RoleParticipant
	}
}

// MessageType classifies a chat message.
type MessageType string

const (
	MessageText         MessageType = "TEXT"
	MessagePoll         MessageType = "POLL"
	MessageSystem       MessageType = "SYSTEM"
	MessageAnnouncement MessageType = "ANNOUNCEMENT"
)

// DeletedMessagePlaceholder replaces the content of deleted messages. The
// entry itself stays in the list so indexes remain stable.
const DeletedMessagePlaceholder = "[message deleted]"

// RoomSettings holds the per-room behavior switches.
type RoomSettings struct {
	IsModerated      bool `json:"isModerated"`
	AllowPolls       bool `json:"allowPolls"`
	SlowMode         bool `json:"slowMode"`
	SlowModeInterval int  `json:"slowModeInterval"` // seconds between messages per user
	AllowLinks       bool `json:"allowLinks"`
	AllowImages      bool `json:"allowImages"`
	AllowReplies     bool `json:"allowReplies"`
	MaxMessageLength int  `json:"maxMessageLength"`
	ChatEnabled      bool `json:"chatEnabled"` // kept equal to Room.IsActive on every toggle
}

// DefaultRoomSettings returns the settings applied to rooms created without
// an explicit configuration.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		IsModerated:      false,
		AllowPolls:       true,
		SlowMode:         false,
		SlowModeInterval: 5,
		AllowLinks:       true,
		AllowImages:      true,
		AllowReplies:     true,
		MaxMessageLength: 500,
		ChatEnabled:      true,
	}
}

// RoomSettingsPatch is a partial settings update; nil fields are left as-is.
type RoomSettingsPatch struct {
	IsModerated      *bool `json:"isModerated,omitempty"`
	AllowPolls       *bool `json:"allowPolls,omitempty"`
	SlowMode         *bool `json:"slowMode,omitempty"`
	SlowModeInterval *int  `json:"slowModeInterval,omitempty"`
	AllowLinks       *bool `json:"allowLinks,omitempty"`
	AllowImages      *bool `json:"allowImages,omitempty"`
	AllowReplies     *bool `json:"allowReplies,omitempty"`
	MaxMessageLength *int  `json:"maxMessageLength,omitempty"`
}

// Apply overlays the patch onto settings.
func (p RoomSettingsPatch) Apply(s *RoomSettings) {
	if p.IsModerated != nil {
		s.IsModerated = *p.IsModerated
	}
	if p.AllowPolls != nil {
		s.AllowPolls = *p.AllowPolls
	}
	if p.SlowMode != nil {
		s.SlowMode = *p.SlowMode
	}
	if p.SlowModeInterval != nil {
		s.SlowModeInterval = *p.SlowModeInterval
	}
	if p.AllowLinks != nil {
		s.AllowLinks = *p.AllowLinks
	}
	if p.AllowImages != nil {
		s.AllowImages = *p.AllowImages
	}
	if p.AllowReplies != nil {
		s.AllowReplies = *p.AllowReplies
	}
	if p.MaxMessageLength != nil {
		s.MaxMessageLength = *p.MaxMessageLength
	}
}

// Room is the chat context scoped to one lecture. Room.ID equals the lecture
// ID, so there is exactly one room per lecture.
type Room struct {
	ID            string       `json:"id"`
	LectureID     string       `json:"lectureId"`
	IsActive      bool         `json:"isActive"`
	IsChatVisible bool         `json:"isChatVisible"`
	CreatedAt     time.Time    `json:"createdAt"`
	LastActivity  time.Time    `json:"lastActivity"`
	Settings      RoomSettings `json:"settings"`
}

// ChatMessage is one entry in a room's message log. Immutable after write
// except for IsPinned, IsDeleted and the content overwrite on delete.
type ChatMessage struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"roomId"`
	UserID    string      `json:"userId"`
	UserName  string      `json:"userName"`
	UserImage string      `json:"userImage,omitempty"`
	UserRole  Role        `json:"userRole"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	IsPinned  bool        `json:"isPinned"`
	IsDeleted bool        `json:"isDeleted"`
	Poll      *Poll       `json:"poll,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ChatParticipant is a presence record keyed by UserID within a room.
type ChatParticipant struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	UserImage  string    `json:"userImage,omitempty"`
	UserRole   Role      `json:"userRole"`
	IsOnline   bool      `json:"isOnline"`
	LastActive time.Time `json:"lastActive"`
}

// PollStatus is the lifecycle state of a poll.
type PollStatus string

const (
	PollActive PollStatus = "ACTIVE"
	PollEnded  PollStatus = "ENDED"
)

// PollOption is one votable option with its running tally.
type PollOption struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll is a time-bounded per-room poll. It transitions ACTIVE to ENDED
// exactly once, by moderator action or by timeout.
type Poll struct {
	ID        string       `json:"id"`
	RoomID    string       `json:"roomId"`
	Question  string       `json:"question"`
	Options   []PollOption `json:"options"`
	Status    PollStatus   `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	CreatedBy string       `json:"createdBy"`
	ExpiresAt time.Time    `json:"expiresAt"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
}

// MutedUser records a temporary mute; the backing key self-expires at
// MutedUntil so no explicit cleanup is needed.
type MutedUser struct {
	UserID     string    `json:"userId"`
	RoomID     string    `json:"roomId"`
	MutedAt    time.Time `json:"mutedAt"`
	MutedUntil time.Time `json:"mutedUntil"`
	MutedBy    string    `json:"mutedBy"`
	Reason     string    `json:"reason,omitempty"`
}

// Session is the ephemeral identity record mapping a reconnecting user back
// to an existing session within a sliding 24 hour window.
type Session struct {
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId"`
	UserName   string    `json:"userName"`
	UserImage  string    `json:"userImage,omitempty"`
	UserRole   Role      `json:"userRole"`
	LastActive time.Time `json:"lastActive"`
}

// Identity is the authenticated caller identity furnished at handshake.
type Identity struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage,omitempty"`
	Role      Role   `json:"role"`
}

// Participant converts the identity to a presence record.
func (i Identity) Participant(online bool) ChatParticipant {
	return ChatParticipant{
		UserID:     i.UserID,
		UserName:   i.UserName,
		UserImage:  i.UserImage,
		UserRole:   i.Role,
		IsOnline:   online,
		LastActive: time.Now(),
	}
}
