package engine

import (
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("story not found")
var ErrUnauthorized = errors.New("only the room creator can do that")
var ErrInvalidUser = errors.New("invalid user")
var ErrEmptyTitle = errors.New("story title is empty")
var ErrInvalidTransition = errors.New("invalid story transition")
var ErrVotingInProgress = errors.New("another story is being voted on")
var ErrNotRevealed = errors.New("votes must be revealed first")
var ErrNoActiveStory = errors.New("no story is being voted on")
var ErrVotesRevealed = errors.New("votes already revealed")
var ErrInvalidVote = errors.New("vote is not in the deck")
var ErrNotParticipant = errors.New("user has not joined the room")
var ErrUnsupportedCommand = errors.New("unsupported command")

// Class groups errors the way they are reported to clients.
type Class string

const (
	ClassNotFound     Class = "not_found"
	ClassUnauthorized Class = "unauthorized"
	ClassValidation   Class = "validation"
)

func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrUnauthorized):
		return ClassUnauthorized
	default:
		return ClassValidation
	}
}

type CommandType string

const (
	CmdJoinRoom      CommandType = "join-room"
	CmdLeaveRoom     CommandType = "leave-room"
	CmdSubmitVote    CommandType = "submit-vote"
	CmdResetVoting   CommandType = "reset-voting"
	CmdAddStory      CommandType = "add-story"
	CmdStartVoting   CommandType = "start-voting"
	CmdRevealVotes   CommandType = "reveal-votes"
	CmdCompleteStory CommandType = "complete-story"
	CmdSkipStory     CommandType = "skip-story"
	CmdDeleteStory   CommandType = "delete-story"
)

/*
	CmdJoinRoom      -> EvtParticipantJoined | EvtParticipantUpdated
	CmdLeaveRoom     -> EvtParticipantLeft (nothing if not a participant)
	CmdSubmitVote    -> EvtVoteSubmitted
	CmdResetVoting   -> EvtVotesReset (nothing without a current story)
	CmdAddStory      -> EvtStoryAdded
	CmdStartVoting   -> EvtVotingStarted
	CmdRevealVotes   -> EvtVotesRevealed (nothing if already revealed)
	CmdCompleteStory -> EvtStoryCompleted
	CmdSkipStory     -> EvtStorySkipped
	CmdDeleteStory   -> EvtStoryDeleted

	Every command except join, leave and vote is creator only.
*/

// Command is one validated request against a room. Actor is the user the
// connection joined as; it is never taken from client payloads.
type Command struct {
	Type        CommandType
	Actor       string
	User        User
	StoryID     string
	Title       string
	Description string
	Vote        float64
	At          time.Time
}

type EventType string

const (
	EvtParticipantJoined  EventType = "ParticipantJoined"
	EvtParticipantUpdated EventType = "ParticipantUpdated"
	EvtParticipantLeft    EventType = "ParticipantLeft"
	EvtVoteSubmitted      EventType = "VoteSubmitted"
	EvtVotesReset         EventType = "VotesReset"
	EvtStoryAdded         EventType = "StoryAdded"
	EvtVotingStarted      EventType = "VotingStarted"
	EvtVotesRevealed      EventType = "VotesRevealed"
	EvtStoryCompleted     EventType = "StoryCompleted"
	EvtStorySkipped       EventType = "StorySkipped"
	EvtStoryDeleted       EventType = "StoryDeleted"
)

type Event struct {
	Type    EventType
	UserID  string
	StoryID string
}

// Apply validates cmd against r and returns the resulting room. On error the
// original room is returned untouched. An empty event list means the command
// was accepted but changed nothing.
func Apply(r Room, cmd Command, rules Rules) ([]Event, Room, error) {
	if creatorOnly(cmd.Type) && !r.IsCreator(cmd.Actor) {
		return nil, r, ErrUnauthorized
	}

	s := r.Clone()

	switch cmd.Type {
	case CmdJoinRoom:
		u := cmd.User
		u.ID = strings.TrimSpace(u.ID)
		u.Name = strings.TrimSpace(u.Name)
		if u.ID == "" {
			return nil, r, ErrInvalidUser
		}
		if u.Title == "" {
			u.Title = u.Name
		}
		// Participants are a set on id: a re-join refreshes the display fields.
		if i := s.participantIndex(u.ID); i >= 0 {
			s.Participants[i].Name = u.Name
			s.Participants[i].Title = u.Title
			return []Event{{Type: EvtParticipantUpdated, UserID: u.ID}}, s, nil
		}
		s.Participants = append(s.Participants, u)
		return []Event{{Type: EvtParticipantJoined, UserID: u.ID}}, s, nil

	case CmdLeaveRoom:
		i := s.participantIndex(cmd.Actor)
		if i < 0 {
			return nil, r, nil
		}
		s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
		return []Event{{Type: EvtParticipantLeft, UserID: cmd.Actor}}, s, nil

	case CmdSubmitVote:
		if err := submitVote(&s, rules, cmd.Actor, cmd.Vote); err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtVoteSubmitted, UserID: cmd.Actor, StoryID: *s.CurrentStory}}, s, nil

	case CmdResetVoting:
		if s.CurrentStory == nil {
			return nil, r, nil
		}
		clearVotes(&s)
		return []Event{{Type: EvtVotesReset, StoryID: *s.CurrentStory}}, s, nil

	case CmdAddStory:
		title := strings.TrimSpace(cmd.Title)
		if title == "" {
			return nil, r, ErrEmptyTitle
		}
		if cmd.StoryID == "" || s.storyIndex(cmd.StoryID) >= 0 {
			return nil, r, ErrInvalidTransition
		}
		s.Stories = append(s.Stories, Story{
			ID:          cmd.StoryID,
			Title:       title,
			Description: strings.TrimSpace(cmd.Description),
			Status:      StatusPending,
			CreatedAt:   cmd.At,
			RoomID:      s.ID,
			CreatedBy:   cmd.Actor,
		})
		return []Event{{Type: EvtStoryAdded, StoryID: cmd.StoryID}}, s, nil

	case CmdStartVoting:
		i := s.storyIndex(cmd.StoryID)
		if i < 0 {
			return nil, r, ErrNotFound
		}
		if s.Stories[i].Status != StatusPending {
			return nil, r, ErrInvalidTransition
		}
		if hasVotingStory(s) {
			return nil, r, ErrVotingInProgress
		}
		s.Stories[i].Status = StatusVoting
		id := cmd.StoryID
		s.CurrentStory = &id
		clearVotes(&s)
		return []Event{{Type: EvtVotingStarted, StoryID: id}}, s, nil

	case CmdRevealVotes:
		if s.CurrentStory == nil {
			return nil, r, ErrNoActiveStory
		}
		if s.Revealed {
			return nil, r, nil
		}
		s.Revealed = true
		return []Event{{Type: EvtVotesRevealed, StoryID: *s.CurrentStory}}, s, nil

	case CmdCompleteStory:
		i := s.storyIndex(cmd.StoryID)
		if i < 0 {
			return nil, r, ErrNotFound
		}
		if !isCurrent(s, cmd.StoryID) {
			return nil, r, ErrInvalidTransition
		}
		if !s.Revealed {
			return nil, r, ErrNotRevealed
		}
		s.Stories[i].Points = Aggregate(s.Votes, rules.Precision)
		s.Stories[i].Status = StatusCompleted
		endRound(&s)
		return []Event{{Type: EvtStoryCompleted, StoryID: cmd.StoryID}}, s, nil

	case CmdSkipStory:
		i := s.storyIndex(cmd.StoryID)
		if i < 0 {
			return nil, r, ErrNotFound
		}
		if s.Stories[i].Status.Terminal() {
			return nil, r, ErrInvalidTransition
		}
		s.Stories[i].Status = StatusSkipped
		s.Stories[i].Points = nil
		if isCurrent(s, cmd.StoryID) {
			endRound(&s)
		}
		return []Event{{Type: EvtStorySkipped, StoryID: cmd.StoryID}}, s, nil

	case CmdDeleteStory:
		i := s.storyIndex(cmd.StoryID)
		if i < 0 {
			return nil, r, ErrNotFound
		}
		current := isCurrent(s, cmd.StoryID)
		if !current && !s.Stories[i].Status.Terminal() {
			return nil, r, ErrInvalidTransition
		}
		s.Stories = append(s.Stories[:i], s.Stories[i+1:]...)
		if current {
			endRound(&s)
		}
		return []Event{{Type: EvtStoryDeleted, StoryID: cmd.StoryID}}, s, nil

	default:
		return nil, r, ErrUnsupportedCommand
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func creatorOnly(t CommandType) bool {
	switch t {
	case CmdResetVoting, CmdAddStory, CmdStartVoting, CmdRevealVotes,
		CmdCompleteStory, CmdSkipStory, CmdDeleteStory:
		return true
	default:
		return false
	}
}

func isCurrent(r Room, storyID string) bool {
	return r.CurrentStory != nil && *r.CurrentStory == storyID
}

func hasVotingStory(r Room) bool {
	for _, s := range r.Stories {
		if s.Status == StatusVoting {
			return true
		}
	}
	return false
}

// endRound drops the current story along with its votes and reveal flag.
func endRound(r *Room) {
	r.CurrentStory = nil
	clearVotes(r)
}
