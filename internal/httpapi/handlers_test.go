package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/hub"
	"github.com/DoyleJ11/planning-poker/internal/lobby"
	"github.com/DoyleJ11/planning-poker/internal/store"
)

func newServer(t *testing.T) (*httptest.Server, *store.Memory, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemory()
	h := hub.NewHub(ctx, mem, lobby.Options{Rules: engine.DefaultRules()})
	srv := httptest.NewServer(SetupRoutes(Deps{Hub: h, Rooms: mem}))
	t.Cleanup(srv.Close)
	return srv, mem, h
}

func TestCreateRoom(t *testing.T) {
	srv, mem, _ := newServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"ok", `{"name":"Sprint 12","createdBy":"alice"}`, http.StatusCreated},
		{"no name", `{"name":"  ","createdBy":"alice"}`, http.StatusBadRequest},
		{"no creator", `{"name":"Sprint"}`, http.StatusBadRequest},
		{"bad json", `{"name":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/rooms", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusCreated {
				return
			}

			var out createRoomResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.Len(t, out.ID, 6)
			room, err := mem.Get(context.Background(), out.ID)
			require.NoError(t, err)
			require.Equal(t, "Sprint 12", room.Name)
			require.Equal(t, "alice", room.CreatedBy)
		})
	}
}

func TestGetRoom(t *testing.T) {
	srv, mem, h := newServer(t)
	ctx := context.Background()

	room, err := mem.Create(ctx, "Sprint 12", "alice")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/rooms/NOPE00")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Put a hidden vote in the live room.
	lb, err := h.Get(ctx, room.ID)
	require.NoError(t, err)
	out := make(chan lobby.Update, 8)
	require.NoError(t, lb.Send(ctx, lobby.Join{ClientID: "c1", User: engine.User{ID: "alice", Name: "Alice"}, Outbox: out}))
	require.NoError(t, lb.Send(ctx, lobby.FromClient{ClientID: "c1", Cmd: engine.Command{Type: engine.CmdAddStory, Actor: "alice", StoryID: "s1", Title: "Login"}}))
	require.NoError(t, lb.Send(ctx, lobby.FromClient{ClientID: "c1", Cmd: engine.Command{Type: engine.CmdStartVoting, Actor: "alice", StoryID: "s1"}}))
	require.NoError(t, lb.Send(ctx, lobby.FromClient{ClientID: "c1", Cmd: engine.Command{Type: engine.CmdSubmitVote, Actor: "alice", Vote: 8}}))
	v, err := lb.View(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, v.Version)

	resp, err = http.Get(srv.URL + "/api/rooms/" + room.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got roomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 4, got.Version)
	require.Equal(t, room.ID, got.Room.ID)
	require.True(t, got.Room.HasVoted("alice"))
	_, visible := got.Room.VoteOf("alice")
	require.False(t, visible)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
