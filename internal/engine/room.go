package engine

import (
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusVoting    Status = "voting"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

type Story struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Points      *float64  `json:"points"`
	CreatedAt   time.Time `json:"createdAt"`
	RoomID      string    `json:"roomId"`
	CreatedBy   string    `json:"createdBy"`
}

type Room struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	CreatedBy    string             `json:"createdBy"`
	Participants []User             `json:"participants"`
	Votes        map[string]float64 `json:"votes"`
	Revealed     bool               `json:"revealed"`
	Stories      []Story            `json:"stories"`
	CurrentStory *string            `json:"currentStory"`
	CreatedAt    time.Time          `json:"createdAt"`
}

func NewRoom(id, name, createdBy string, at time.Time) Room {
	return Room{
		ID:           id,
		Name:         name,
		CreatedBy:    createdBy,
		Participants: []User{},
		Votes:        map[string]float64{},
		Stories:      []Story{},
		CreatedAt:    at,
	}
}

// Clone returns a deep copy. Snapshots handed to other goroutines must be clones.
func (r Room) Clone() Room {
	out := r
	out.Participants = slices.Clone(r.Participants)
	if out.Participants == nil {
		out.Participants = []User{}
	}
	out.Votes = make(map[string]float64, len(r.Votes))
	for k, v := range r.Votes {
		out.Votes[k] = v
	}
	out.Stories = make([]Story, len(r.Stories))
	for i, s := range r.Stories {
		if s.Points != nil {
			p := *s.Points
			s.Points = &p
		}
		out.Stories[i] = s
	}
	if r.CurrentStory != nil {
		id := *r.CurrentStory
		out.CurrentStory = &id
	}
	return out
}

func (r Room) Story(id string) (Story, bool) {
	if i := r.storyIndex(id); i >= 0 {
		return r.Stories[i], true
	}
	return Story{}, false
}

func (r Room) Current() (Story, bool) {
	if r.CurrentStory == nil {
		return Story{}, false
	}
	return r.Story(*r.CurrentStory)
}

func (r Room) HasParticipant(userID string) bool {
	return r.participantIndex(userID) >= 0
}

func (r Room) IsCreator(userID string) bool {
	return userID != "" && userID == r.CreatedBy
}

func (r Room) storyIndex(id string) int {
	return slices.IndexFunc(r.Stories, func(s Story) bool { return s.ID == id })
}

func (r Room) participantIndex(id string) int {
	return slices.IndexFunc(r.Participants, func(u User) bool { return u.ID == id })
}

// Validate checks the room invariants and returns the first violation found.
func (r Room) Validate() error {
	voting := 0
	for _, s := range r.Stories {
		if s.Status == StatusVoting {
			voting++
		}
	}
	if voting > 1 {
		return fmt.Errorf("%d stories in voting", voting)
	}

	if r.CurrentStory == nil {
		if voting != 0 {
			return fmt.Errorf("voting story without current story")
		}
		if r.Revealed {
			return fmt.Errorf("revealed without current story")
		}
		if len(r.Votes) != 0 {
			return fmt.Errorf("votes without current story")
		}
	} else {
		cur, ok := r.Current()
		if !ok {
			return fmt.Errorf("current story %q not found", *r.CurrentStory)
		}
		if cur.Status != StatusVoting {
			return fmt.Errorf("current story %q has status %s", cur.ID, cur.Status)
		}
	}

	seen := make(map[string]bool, len(r.Participants))
	for _, u := range r.Participants {
		if seen[u.ID] {
			return fmt.Errorf("duplicate participant %q", u.ID)
		}
		seen[u.ID] = true
	}
	return nil
}
