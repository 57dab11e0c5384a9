package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"lecturechat/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// PollLifetime is how long a poll accepts votes before auto-close.
	PollLifetime = 5 * time.Minute

	// pollRecordTTL keeps the record around past its voting window so the
	// closed state can still be rendered before removal.
	pollRecordTTL = PollLifetime + 30*time.Minute

	// pollRemoveDelay is the window clients get to render the closed state
	// before the record is physically removed.
	pollRemoveDelay = 10 * time.Second

	minPollQuestionLen = 3
	minPollOptions     = 2
)

// PollStore manages per-room polls. Option tallies live in a dedicated hash
// incremented atomically, so concurrent votes on one option never lose
// updates; vote records are separate self-expiring keys enforcing
// at-most-one-vote-per-user-per-poll.
type PollStore struct {
	rdb *redis.Client
	pub Publisher

	// removeDelay is overridable in tests.
	removeDelay time.Duration
}

// NewPollStore returns a PollStore. pub may be nil to disable publishing.
func NewPollStore(rdb *redis.Client, pub Publisher) *PollStore {
	return &PollStore{rdb: rdb, pub: pub, removeDelay: pollRemoveDelay}
}

// CreatePoll validates and stores a new poll for the room, publishing it to
// subscribers. The room must allow polls.
func (s *PollStore) CreatePoll(ctx context.Context, room *models.Room, question string, options []string, createdBy string) (*models.Poll, error) {
	if room == nil {
		return nil, models.NewNotFoundError("Room", "")
	}
	if !room.Settings.AllowPolls {
		return nil, models.NewForbiddenError("Polls are not allowed in this room")
	}

	question = strings.TrimSpace(question)
	if len(question) < minPollQuestionLen {
		return nil, models.NewValidationError("Poll question must be at least 3 characters")
	}

	opts := make([]models.PollOption, 0, len(options))
	for _, text := range options {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		opts = append(opts, models.PollOption{
			ID:   strconv.Itoa(len(opts) + 1),
			Text: text,
		})
	}
	if len(opts) < minPollOptions {
		return nil, models.NewValidationError("A poll needs at least 2 non-empty options")
	}

	now := time.Now()
	poll := models.Poll{
		ID:        uuid.NewString(),
		RoomID:    room.ID,
		Question:  question,
		Options:   opts,
		Status:    models.PollActive,
		CreatedAt: now,
		CreatedBy: createdBy,
		ExpiresAt: now.Add(PollLifetime),
	}

	data, err := json.Marshal(&poll)
	if err != nil {
		return nil, fmt.Errorf("marshal poll: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, pollKey(room.ID, poll.ID), data, pollRecordTTL)
	pipe.SAdd(ctx, activePollsKey(room.ID), poll.ID)
	pipe.Expire(ctx, activePollsKey(room.ID), pollRecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store poll: %w", err)
	}

	publish(ctx, s.pub, room.ID, EventNewPoll, &poll)
	return &poll, nil
}

// StartAutoClose schedules the best-effort in-process close timer. If this
// process dies before firing, the cleanup scheduler's sweep is the
// authoritative fallback closer, so this is only a latency optimization.
func (s *PollStore) StartAutoClose(roomID, pollID string) {
	time.AfterFunc(PollLifetime, func() {
		if _, err := s.ClosePoll(context.Background(), roomID, pollID); err != nil {
			log.Printf("poll auto-close %s/%s: %v", roomID, pollID, err)
		}
	})
}

// GetPoll returns a poll with tallies assembled from the vote hash, or nil
// when the record no longer exists.
func (s *PollStore) GetPoll(ctx context.Context, roomID, pollID string) (*models.Poll, error) {
	raw, err := s.rdb.Get(ctx, pollKey(roomID, pollID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if isWrongType(err) {
		resetKey(ctx, s.rdb, pollKey(roomID, pollID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get poll %s: %w", pollID, err)
	}

	var poll models.Poll
	if err := json.Unmarshal([]byte(raw), &poll); err != nil {
		resetKey(ctx, s.rdb, pollKey(roomID, pollID))
		return nil, nil
	}

	tallies, err := s.rdb.HGetAll(ctx, pollTalliesKey(roomID, pollID)).Result()
	if err != nil && err != redis.Nil && !isWrongType(err) {
		return nil, fmt.Errorf("get poll tallies %s: %w", pollID, err)
	}
	for i := range poll.Options {
		if raw, ok := tallies[poll.Options[i].ID]; ok {
			if n, perr := strconv.Atoi(raw); perr == nil {
				poll.Options[i].Votes = n
			}
		}
	}
	return &poll, nil
}

// VotePoll records one vote. A vote is rejected, not overwritten, when the
// user already voted on this poll; the tally increment is atomic per option.
func (s *PollStore) VotePoll(ctx context.Context, roomID, pollID, userID, optionID string) (*models.Poll, error) {
	poll, err := s.GetPoll(ctx, roomID, pollID)
	if err != nil {
		return nil, err
	}
	if poll == nil {
		return nil, models.NewNotFoundError("Poll", pollID)
	}
	if poll.Status != models.PollActive || time.Now().After(poll.ExpiresAt) {
		return nil, models.NewValidationError("This poll is no longer accepting votes")
	}

	valid := false
	for _, opt := range poll.Options {
		if opt.ID == optionID {
			valid = true
			break
		}
	}
	if !valid {
		return nil, models.NewValidationError("Unknown poll option")
	}

	// SETNX is the uniqueness gate: the first writer wins, every later vote
	// by the same user is rejected without touching the tally.
	ok, err := s.rdb.SetNX(ctx, pollVoteKey(roomID, pollID, userID), optionID, pollRecordTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("record vote: %w", err)
	}
	if !ok {
		return nil, models.NewValidationError("You have already voted in this poll")
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, pollTalliesKey(roomID, pollID), optionID, 1)
	pipe.Expire(ctx, pollTalliesKey(roomID, pollID), pollRecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("increment tally: %w", err)
	}

	poll, err = s.GetPoll(ctx, roomID, pollID)
	if err != nil || poll == nil {
		return poll, err
	}

	publish(ctx, s.pub, roomID, EventPollUpdated, poll)
	return poll, nil
}

// ClosePoll transitions the poll ACTIVE to ENDED. The SREM on the active set
// is the exactly-once gate: whichever caller removes the id performs the
// close, every other concurrent caller is a no-op. Removal of the record is
// scheduled after a short delay so clients can render the closed state.
func (s *PollStore) ClosePoll(ctx context.Context, roomID, pollID string) (*models.Poll, error) {
	poll, err := s.GetPoll(ctx, roomID, pollID)
	if err != nil {
		return nil, err
	}
	if poll == nil {
		return nil, models.NewNotFoundError("Poll", pollID)
	}

	removed, err := s.rdb.SRem(ctx, activePollsKey(roomID), pollID).Result()
	if err != nil {
		return nil, fmt.Errorf("close poll: %w", err)
	}
	if removed == 0 {
		// Someone else already closed it.
		return poll, nil
	}

	now := time.Now()
	poll.Status = models.PollEnded
	poll.EndedAt = &now

	data, err := json.Marshal(poll)
	if err != nil {
		return nil, fmt.Errorf("marshal closed poll: %w", err)
	}
	if err := s.rdb.Set(ctx, pollKey(roomID, pollID), data, pollRecordTTL).Err(); err != nil {
		return nil, fmt.Errorf("store closed poll: %w", err)
	}

	publish(ctx, s.pub, roomID, EventPollClosed, poll)

	time.AfterFunc(s.removeDelay, func() {
		if err := s.RemovePoll(context.Background(), roomID, pollID); err != nil {
			log.Printf("poll removal %s/%s: %v", roomID, pollID, err)
		}
	})
	return poll, nil
}

// RemovePoll physically deletes the poll record and its tallies.
func (s *PollStore) RemovePoll(ctx context.Context, roomID, pollID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, pollKey(roomID, pollID))
	pipe.Del(ctx, pollTalliesKey(roomID, pollID))
	pipe.SRem(ctx, activePollsKey(roomID), pollID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove poll %s: %w", pollID, err)
	}

	publish(ctx, s.pub, roomID, EventPollRemoved, map[string]string{"pollId": pollID})
	return nil
}

// GetActivePolls returns the room's polls still accepting votes. Ids whose
// record expired are pruned from the active set as a side effect.
func (s *PollStore) GetActivePolls(ctx context.Context, roomID string) ([]models.Poll, error) {
	ids, err := s.rdb.SMembers(ctx, activePollsKey(roomID)).Result()
	if isWrongType(err) {
		resetKey(ctx, s.rdb, activePollsKey(roomID))
		return []models.Poll{}, nil
	}
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("active polls for room %s: %w", roomID, err)
	}

	polls := make([]models.Poll, 0, len(ids))
	for _, id := range ids {
		poll, err := s.GetPoll(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		if poll == nil {
			_ = s.rdb.SRem(ctx, activePollsKey(roomID), id).Err()
			continue
		}
		if poll.Status != models.PollActive {
			continue
		}
		polls = append(polls, *poll)
	}
	return polls, nil
}

// GetUserVotes returns the user's recorded vote per poll id, for the room
// snapshot sent on join.
func (s *PollStore) GetUserVotes(ctx context.Context, roomID, userID string, pollIDs []string) (map[string]string, error) {
	votes := make(map[string]string, len(pollIDs))
	for _, pollID := range pollIDs {
		optionID, err := s.rdb.Get(ctx, pollVoteKey(roomID, pollID, userID)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get vote for poll %s: %w", pollID, err)
		}
		votes[pollID] = optionID
	}
	return votes, nil
}

// SweepRoom closes expired polls and removes long-ended ones. This is the
// authoritative close path; in-process timers are only an optimization.
func (s *PollStore) SweepRoom(ctx context.Context, roomID string) error {
	ids, err := s.rdb.SMembers(ctx, activePollsKey(roomID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("sweep polls for room %s: %w", roomID, err)
	}

	for _, id := range ids {
		poll, err := s.GetPoll(ctx, roomID, id)
		if err != nil {
			return err
		}
		if poll == nil {
			_ = s.rdb.SRem(ctx, activePollsKey(roomID), id).Err()
			continue
		}
		if poll.Status == models.PollActive && time.Now().After(poll.ExpiresAt) {
			if _, err := s.ClosePoll(ctx, roomID, id); err != nil {
				return err
			}
		}
	}
	return nil
}
