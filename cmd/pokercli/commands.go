package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/DoyleJ11/planning-poker/internal/client"
	"github.com/DoyleJ11/planning-poker/internal/engine"
)

const help = `commands:
  vote <points|?>        add <title> [| description]
  start <story>          reveal
  complete [story]       skip <story>
  reset                  delete <story>
  revote <story>         show
  leave                  quit
<story> is a story number from "show" or its id.`

// dispatch runs one input line. done reports that the session is over.
func dispatch(ctx context.Context, s *client.Session, line string) (done bool, err error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "":
		return false, nil
	case "help":
		fmt.Println(help)
		return false, nil
	case "show":
		room, _, ok := s.Room()
		if !ok {
			return false, fmt.Errorf("no snapshot yet")
		}
		fmt.Print(render(room, s.User().ID))
		return false, nil
	case "vote":
		v, err := parseVote(rest)
		if err != nil {
			return false, err
		}
		return false, s.Vote(ctx, v)
	case "add":
		title, desc, _ := strings.Cut(rest, "|")
		return false, s.AddStory(ctx, strings.TrimSpace(title), strings.TrimSpace(desc))
	case "start":
		id, err := storyRef(s, rest)
		if err != nil {
			return false, err
		}
		return false, s.StartVoting(ctx, id)
	case "reveal":
		return false, s.Reveal(ctx)
	case "complete":
		if rest == "" {
			room, _, _ := s.Room()
			if room.CurrentStory == nil {
				return false, fmt.Errorf("no story is being voted on")
			}
			return false, s.Complete(ctx, *room.CurrentStory)
		}
		id, err := storyRef(s, rest)
		if err != nil {
			return false, err
		}
		return false, s.Complete(ctx, id)
	case "skip":
		id, err := storyRef(s, rest)
		if err != nil {
			return false, err
		}
		return false, s.Skip(ctx, id)
	case "reset":
		return false, s.Reset(ctx)
	case "delete":
		id, err := storyRef(s, rest)
		if err != nil {
			return false, err
		}
		return false, s.Delete(ctx, id)
	case "revote":
		id, err := storyRef(s, rest)
		if err != nil {
			return false, err
		}
		room, _, _ := s.Room()
		st, _ := room.Story(id)
		return false, s.Revote(ctx, st.Title)
	case "leave", "quit", "exit":
		s.Leave(client.TriggerNavigate)
		return true, nil
	}
	return false, fmt.Errorf("unknown command %q, try help", verb)
}

func parseVote(arg string) (float64, error) {
	if arg == "?" {
		return engine.UnknownVote, nil
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("vote %q: not a number", arg)
	}
	return v, nil
}

// storyRef resolves a 1-based position in the story list or a story id.
func storyRef(s *client.Session, arg string) (string, error) {
	if arg == "" {
		return "", fmt.Errorf("which story?")
	}
	room, _, ok := s.Room()
	if !ok {
		return "", fmt.Errorf("no snapshot yet")
	}
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(room.Stories) {
		return room.Stories[n-1].ID, nil
	}
	if _, ok := room.Story(arg); ok {
		return arg, nil
	}
	return "", fmt.Errorf("no story %q", arg)
}
