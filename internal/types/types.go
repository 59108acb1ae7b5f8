package types

import (
	"time"

	"github.com/DoyleJ11/planning-poker/internal/engine"
)

// Event names on the wire. Client events reuse the engine command names.
const (
	EvtRoomUpdate = "room-update"
	EvtError      = "error"
)

// Error codes carried by "error" events.
const (
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeValidation   = "validation"
	CodeBadRequest   = "bad_request"
)

type ClientMessage struct {
	Type engine.CommandType `json:"type"`
	Data ClientData         `json:"data"`
}

// ClientData is the union of every client event payload.
type ClientData struct {
	RoomID      string       `json:"roomId"`
	User        *engine.User `json:"user,omitempty"`
	UserID      string       `json:"userId,omitempty"`
	CreatedBy   string       `json:"createdBy,omitempty"`
	StoryID     string       `json:"storyId,omitempty"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Vote        *float64     `json:"vote,omitempty"`
}

type ServerMessage struct {
	Type    string        `json:"type"` // "room-update" | "error"
	Version int           `json:"version,omitempty"`
	Room    *RoomSnapshot `json:"room,omitempty"`
	Error   *ErrorData    `json:"error,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomSnapshot is the room as one participant is allowed to see it. Before
// reveal, other participants' votes are present with a nil value.
type RoomSnapshot struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	CreatedBy    string              `json:"createdBy"`
	Participants []engine.User       `json:"participants"`
	Votes        map[string]*float64 `json:"votes"`
	Revealed     bool                `json:"revealed"`
	Stories      []engine.Story      `json:"stories"`
	CurrentStory *string             `json:"currentStory"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Render gates room for viewerID. The room itself is not modified.
func Render(room engine.Room, viewerID string) RoomSnapshot {
	votes := make(map[string]*float64, len(room.Votes))
	for id, v := range room.Votes {
		if room.Revealed || id == viewerID {
			v := v
			votes[id] = &v
		} else {
			votes[id] = nil
		}
	}
	return RoomSnapshot{
		ID:           room.ID,
		Name:         room.Name,
		CreatedBy:    room.CreatedBy,
		Participants: room.Participants,
		Votes:        votes,
		Revealed:     room.Revealed,
		Stories:      room.Stories,
		CurrentStory: room.CurrentStory,
		CreatedAt:    room.CreatedAt,
	}
}

func (s RoomSnapshot) HasVoted(userID string) bool {
	_, ok := s.Votes[userID]
	return ok
}

// VoteOf returns the visible vote of userID, if any.
func (s RoomSnapshot) VoteOf(userID string) (float64, bool) {
	v := s.Votes[userID]
	if v == nil {
		return 0, false
	}
	return *v, true
}

func (s RoomSnapshot) Current() (engine.Story, bool) {
	if s.CurrentStory == nil {
		return engine.Story{}, false
	}
	return s.Story(*s.CurrentStory)
}

func (s RoomSnapshot) Story(id string) (engine.Story, bool) {
	for _, st := range s.Stories {
		if st.ID == id {
			return st, true
		}
	}
	return engine.Story{}, false
}

func (s RoomSnapshot) IsCreator(userID string) bool {
	return userID != "" && userID == s.CreatedBy
}
