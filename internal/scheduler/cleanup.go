// Package scheduler runs the periodic maintenance sweeps that keep Redis
// state bounded: old messages, expired polls, and idle rooms.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"lecturechat/internal/chatstate"
)

const (
	defaultMessageSweepInterval = 5 * time.Minute
	defaultPollSweepInterval    = 5 * time.Minute
	defaultRoomSweepInterval    = 6 * time.Hour

	// messageMaxAge matches the message list TTL so a sweep only removes
	// entries that would have expired with the list anyway.
	messageMaxAge = 30 * time.Minute

	// roomIdleCutoff is how long a room may sit without activity before it
	// is deactivated and its message log put on a short fuse.
	roomIdleCutoff = 6 * time.Hour

	// idleMessageTTL is the shortened expiry applied to an idle room's log.
	idleMessageTTL = 10 * time.Minute
)

// Cleanup owns the background sweep loops. Construct with NewCleanup, call
// Start once, Stop on shutdown.
type Cleanup struct {
	rooms    *chatstate.RoomStore
	messages *chatstate.MessageStore
	polls    *chatstate.PollStore

	messageInterval time.Duration
	pollInterval    time.Duration
	roomInterval    time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option tweaks sweep intervals, used by tests to run sweeps quickly.
type Option func(*Cleanup)

// WithIntervals overrides all three sweep intervals.
func WithIntervals(message, poll, room time.Duration) Option {
	return func(c *Cleanup) {
		c.messageInterval = message
		c.pollInterval = poll
		c.roomInterval = room
	}
}

// NewCleanup returns a Cleanup over the given stores.
func NewCleanup(rooms *chatstate.RoomStore, messages *chatstate.MessageStore, polls *chatstate.PollStore, opts ...Option) *Cleanup {
	c := &Cleanup{
		rooms:           rooms,
		messages:        messages,
		polls:           polls,
		messageInterval: defaultMessageSweepInterval,
		pollInterval:    defaultPollSweepInterval,
		roomInterval:    defaultRoomSweepInterval,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the sweep loops.
func (c *Cleanup) Start() {
	c.loop("message sweep", c.messageInterval, c.SweepMessages)
	c.loop("poll sweep", c.pollInterval, c.SweepPolls)
	c.loop("room sweep", c.roomInterval, c.SweepRooms)
}

// Stop signals all loops to exit and waits for them.
func (c *Cleanup) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cleanup) loop(name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("panic in cleanup sweep", "sweep", name, "recover", r, "stack", string(debug.Stack()))
						}
					}()
					fn(context.Background())
				}()
			}
		}
	}()
}

// SweepMessages removes messages older than the log TTL from every room.
// Test-visible; performs one full pass.
func (c *Cleanup) SweepMessages(ctx context.Context) {
	roomIDs, err := c.rooms.ListRoomIDs(ctx)
	if err != nil {
		slog.Error("message sweep failed to list rooms", "error", err)
		return
	}

	cutoff := time.Now().Add(-messageMaxAge)
	total := 0
	for _, roomID := range roomIDs {
		removed, err := c.messages.SweepOld(ctx, roomID, cutoff)
		if err != nil {
			slog.Warn("message sweep failed for room", "roomId", roomID, "error", err)
			continue
		}
		total += removed
	}
	if total > 0 {
		slog.Info("message sweep removed old messages", "count", total, "rooms", len(roomIDs))
	}
}

// SweepPolls closes polls whose lifetime elapsed without an explicit close.
func (c *Cleanup) SweepPolls(ctx context.Context) {
	roomIDs, err := c.rooms.ListRoomIDs(ctx)
	if err != nil {
		slog.Error("poll sweep failed to list rooms", "error", err)
		return
	}

	for _, roomID := range roomIDs {
		if err := c.polls.SweepRoom(ctx, roomID); err != nil {
			slog.Warn("poll sweep failed for room", "roomId", roomID, "error", err)
		}
	}
}

// SweepRooms deactivates rooms idle past the cutoff and shortens their
// message log TTL so the data ages out quickly.
func (c *Cleanup) SweepRooms(ctx context.Context) {
	roomIDs, err := c.rooms.ListRoomIDs(ctx)
	if err != nil {
		slog.Error("room sweep failed to list rooms", "error", err)
		return
	}

	cutoff := time.Now().Add(-roomIdleCutoff)
	for _, roomID := range roomIDs {
		room, err := c.rooms.GetRoom(ctx, roomID, true)
		if err != nil || room == nil {
			continue
		}
		if !room.IsActive || room.LastActivity.After(cutoff) {
			continue
		}

		if _, err := c.rooms.SetActive(ctx, roomID, false); err != nil {
			slog.Warn("room sweep failed to deactivate", "roomId", roomID, "error", err)
			continue
		}
		if err := c.messages.ShortenTTL(ctx, roomID, idleMessageTTL); err != nil {
			slog.Warn("room sweep failed to shorten message ttl", "roomId", roomID, "error", err)
		}
		slog.Info("deactivated idle room", "roomId", roomID, "lastActivity", room.LastActivity)
	}
}
