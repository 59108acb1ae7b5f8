package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/DoyleJ11/planning-poker/internal/client"
	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/types"
)

// view prints what the session reports. Callbacks arrive on session goroutines.
type view struct {
	self string
	mu   sync.Mutex
}

func (v *view) update(version int, room types.RoomSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Printf("\n-- %s (v%d) --\n%s", room.Name, version, render(room, v.self))
}

func (v *view) showError(e types.ErrorData) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Printf("! %s: %s\n", e.Code, e.Message)
}

func (v *view) status(st client.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if st == client.StatusReconnecting || st == client.StatusDisconnected {
		fmt.Printf("[%s]\n", st)
	}
}

func render(room types.RoomSnapshot, self string) string {
	var b strings.Builder

	names := make([]string, 0, len(room.Participants))
	for _, p := range room.Participants {
		label := p.Name
		if room.IsCreator(p.ID) {
			label += "*"
		}
		if room.HasVoted(p.ID) {
			if v, ok := room.VoteOf(p.ID); ok {
				label += "=" + formatPoints(v)
			} else {
				label += " (voted)"
			}
		}
		if p.ID == self {
			label = "[" + label + "]"
		}
		names = append(names, label)
	}
	sort.Strings(names)
	fmt.Fprintf(&b, "people: %s\n", strings.Join(names, ", "))

	for i, st := range room.Stories {
		marker := " "
		if room.CurrentStory != nil && *room.CurrentStory == st.ID {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %d. %-9s %s", marker, i+1, st.Status, st.Title)
		if st.Points != nil {
			fmt.Fprintf(&b, " (%s)", formatPoints(*st.Points))
		}
		b.WriteString("\n")
	}
	if room.CurrentStory != nil && room.Revealed {
		b.WriteString("votes revealed\n")
	}
	return b.String()
}

func formatPoints(v float64) string {
	if v == engine.UnknownVote {
		return "?"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func createRoom(ctx context.Context, server, name, createdBy string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name, "createdBy": createdBy})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/rooms", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		var e types.ErrorData
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("create room: %s %s", resp.Status, e.Message)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return out.ID, nil
}

var errRoomMissing = errors.New("room not found")

// fetchRoom reads the room over HTTP so there is something to show before the
// socket's first snapshot.
func fetchRoom(ctx context.Context, server, id string) (types.RoomSnapshot, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/api/rooms/"+url.PathEscape(id), nil)
	if err != nil {
		return types.RoomSnapshot{}, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return types.RoomSnapshot{}, 0, fmt.Errorf("fetch room: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return types.RoomSnapshot{}, 0, fmt.Errorf("%w: %s", errRoomMissing, id)
	default:
		var e types.ErrorData
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return types.RoomSnapshot{}, 0, fmt.Errorf("fetch room: %s %s", resp.Status, e.Message)
	}
	var out struct {
		Version int                `json:"version"`
		Room    types.RoomSnapshot `json:"room"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.RoomSnapshot{}, 0, fmt.Errorf("fetch room: %w", err)
	}
	return out.Room, out.Version, nil
}

// websocketURL maps http(s)://host to ws(s)://host/ws.
func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server %q: want http or https", server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
