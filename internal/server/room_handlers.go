package server

import (
	"time"

	"lecturechat/internal/middleware"
	"lecturechat/internal/models"
	"lecturechat/internal/validation"

	"github.com/gofiber/fiber/v2"
)

type createRoomRequest struct {
	LectureID string                    `json:"lectureId"`
	Settings  *models.RoomSettingsPatch `json:"settings,omitempty"`
}

// CreateRoom creates the chat room for a lecture. Creating a room that
// already exists returns the existing room unchanged.
func (s *Server) CreateRoom(c *fiber.Ctx) error {
	var req createRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.LectureID == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("lectureId is required"))
	}
	if err := validation.ValidateRoomID(req.LectureID); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}

	var settings *models.RoomSettings
	if req.Settings != nil {
		def := models.DefaultRoomSettings()
		req.Settings.Apply(&def)
		settings = &def
	}

	room, err := s.rooms.CreateRoom(c.UserContext(), req.LectureID, settings)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.Status(fiber.StatusCreated).JSON(room)
}

// GetRoom returns the room's current state.
func (s *Server) GetRoom(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	forceRefresh := c.QueryBool("refresh", false)

	room, err := s.rooms.GetRoom(c.UserContext(), roomID, forceRefresh)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	if room == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Room", c.Params("roomId")))
	}
	return c.JSON(room)
}

// GetRoomMessages returns the room's message log in chronological order,
// plus the pinned message when one exists.
func (s *Server) GetRoomMessages(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	limit := c.QueryInt("limit", 200)

	msgs, err := s.messages.GetMessages(c.UserContext(), roomID, limit)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	pinned, err := s.messages.GetPinnedMessage(c.UserContext(), roomID)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.JSON(fiber.Map{
		"messages": msgs,
		"pinned":   pinned,
	})
}

// GetRoomParticipants returns the participant roster with live online flags.
func (s *Server) GetRoomParticipants(c *fiber.Ctx) error {
	participants, err := s.presence.GetParticipants(c.UserContext(), c.Params("roomId"))
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"participants": participants})
}

// GetRoomPolls returns the room's active polls and the caller's votes on them.
func (s *Server) GetRoomPolls(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	identity, _ := middleware.IdentityFromCtx(c)

	polls, err := s.polls.GetActivePolls(c.UserContext(), roomID)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	pollIDs := make([]string, len(polls))
	for i, p := range polls {
		pollIDs[i] = p.ID
	}
	votes, err := s.polls.GetUserVotes(c.UserContext(), roomID, identity.UserID, pollIDs)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	return c.JSON(fiber.Map{
		"polls": polls,
		"votes": votes,
	})
}

// UpdateRoomSettings applies a partial settings update and broadcasts the
// result to the room.
func (s *Server) UpdateRoomSettings(c *fiber.Ctx) error {
	var patch models.RoomSettingsPatch
	if err := c.BodyParser(&patch); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	room, err := s.rooms.UpdateSettings(c.UserContext(), c.Params("roomId"), patch)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	if room == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Room", c.Params("roomId")))
	}
	return c.JSON(room)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetRoomActive toggles the room's active flag. Activation requires the
// lecture to be live unless the caller is an admin.
func (s *Server) SetRoomActive(c *fiber.Ctx) error {
	roomID := c.Params("roomId")

	var req setActiveRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if req.Active {
		identity, _ := middleware.IdentityFromCtx(c)
		if identity.Role != models.RoleAdmin {
			live, err := s.lectureGate.IsLive(c.UserContext(), roomID)
			if err != nil {
				return models.RespondWithError(c, fiber.StatusInternalServerError,
					models.NewInternalError(err))
			}
			if !live {
				return models.RespondWithError(c, fiber.StatusConflict,
					models.NewValidationError("Lecture is not live"))
			}
		}
	}

	room, err := s.rooms.SetActive(c.UserContext(), roomID, req.Active)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	if room == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Room", c.Params("roomId")))
	}
	return c.JSON(room)
}

type setVisibilityRequest struct {
	Visible bool `json:"visible"`
}

// SetRoomVisibility toggles whether participants can see the chat panel.
func (s *Server) SetRoomVisibility(c *fiber.Ctx) error {
	var req setVisibilityRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	room, err := s.rooms.SetVisible(c.UserContext(), c.Params("roomId"), req.Visible)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	if room == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Room", c.Params("roomId")))
	}
	return c.JSON(room)
}

// GetMutedUsers lists the room's active mutes.
func (s *Server) GetMutedUsers(c *fiber.Ctx) error {
	muted, err := s.mutes.List(c.UserContext(), c.Params("roomId"))
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"muted": muted})
}

type muteRequest struct {
	DurationSeconds int    `json:"durationSeconds"`
	Reason          string `json:"reason,omitempty"`
}

// MuteUser silences a user in the room for the requested duration.
func (s *Server) MuteUser(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	userID := c.Params("userId")
	identity, _ := middleware.IdentityFromCtx(c)

	var req muteRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.DurationSeconds <= 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("durationSeconds must be positive"))
	}

	mu, err := s.mutes.Mute(c.UserContext(), roomID, userID, identity.UserID, req.Reason,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.Status(fiber.StatusCreated).JSON(mu)
}

// UnmuteUser lifts a mute early.
func (s *Server) UnmuteUser(c *fiber.Ctx) error {
	if err := s.mutes.Unmute(c.UserContext(), c.Params("roomId"), c.Params("userId")); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type setLiveRequest struct {
	Live bool `json:"live"`
}

// SetLectureLive records lecture liveness. Ending a lecture also deactivates
// its chat room so the send gate closes with it.
func (s *Server) SetLectureLive(c *fiber.Ctx) error {
	lectureID := c.Params("lectureId")

	var req setLiveRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if err := s.lectureGate.SetLive(c.UserContext(), lectureID, req.Live); err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError,
			models.NewInternalError(err))
	}

	if !req.Live {
		// Room id equals lecture id. Missing room is fine.
		if room, err := s.rooms.GetRoom(c.UserContext(), lectureID, true); err == nil && room != nil {
			if _, err := s.rooms.SetActive(c.UserContext(), lectureID, false); err != nil {
				return models.RespondWithError(c, fiber.StatusInternalServerError,
					models.NewInternalError(err))
			}
		}
	}

	return c.JSON(fiber.Map{
		"lectureId": lectureID,
		"live":      req.Live,
	})
}
