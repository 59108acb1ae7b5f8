package client

import (
	"context"

	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/types"
)

// Commands are fire-and-forget: a nil error means the event was written, and
// the outcome arrives as a snapshot or an error event. The local checks only
// spare a round trip; the server decides.

func (s *Session) Vote(ctx context.Context, v float64) error {
	s.mu.Lock()
	closed := s.hasRoom && (s.room.CurrentStory == nil || s.room.Revealed)
	s.mu.Unlock()
	if closed {
		return ErrCannotVote
	}
	return s.command(ctx, engine.CmdSubmitVote, types.ClientData{Vote: &v})
}

func (s *Session) AddStory(ctx context.Context, title, description string) error {
	return s.creatorCommand(ctx, engine.CmdAddStory, types.ClientData{Title: title, Description: description})
}

// Revote queues a fresh pending story with the same title; the original keeps
// its terminal status.
func (s *Session) Revote(ctx context.Context, title string) error {
	return s.AddStory(ctx, title, "")
}

func (s *Session) StartVoting(ctx context.Context, storyID string) error {
	return s.creatorCommand(ctx, engine.CmdStartVoting, types.ClientData{StoryID: storyID})
}

func (s *Session) Reveal(ctx context.Context) error {
	return s.creatorCommand(ctx, engine.CmdRevealVotes, types.ClientData{})
}

// Complete reveals first, so finishing a round in one step always has visible votes.
func (s *Session) Complete(ctx context.Context, storyID string) error {
	if err := s.Reveal(ctx); err != nil {
		return err
	}
	return s.creatorCommand(ctx, engine.CmdCompleteStory, types.ClientData{StoryID: storyID})
}

func (s *Session) Skip(ctx context.Context, storyID string) error {
	return s.creatorCommand(ctx, engine.CmdSkipStory, types.ClientData{StoryID: storyID})
}

func (s *Session) Reset(ctx context.Context) error {
	return s.creatorCommand(ctx, engine.CmdResetVoting, types.ClientData{})
}

func (s *Session) Delete(ctx context.Context, storyID string) error {
	return s.creatorCommand(ctx, engine.CmdDeleteStory, types.ClientData{StoryID: storyID})
}

func (s *Session) creatorCommand(ctx context.Context, typ engine.CommandType, d types.ClientData) error {
	s.mu.Lock()
	notCreator := s.hasRoom && !s.room.IsCreator(s.opts.User.ID)
	createdBy := s.room.CreatedBy
	s.mu.Unlock()
	if notCreator {
		return ErrNotCreator
	}
	d.CreatedBy = createdBy
	return s.command(ctx, typ, d)
}

func (s *Session) command(ctx context.Context, typ engine.CommandType, d types.ClientData) error {
	d.RoomID = s.opts.RoomID
	d.UserID = s.opts.User.ID
	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.write(ctx, typ, d)
}
