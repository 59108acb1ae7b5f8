package client

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/hub"
	"github.com/DoyleJ11/planning-poker/internal/lobby"
	"github.com/DoyleJ11/planning-poker/internal/store"
	"github.com/DoyleJ11/planning-poker/internal/types"
	"github.com/DoyleJ11/planning-poker/internal/ws"
)

var alice = engine.User{ID: "alice", Name: "Alice", Title: "Alice"}

// fakeConn is an in-memory event channel. The test plays the server.
type fakeConn struct {
	in     chan types.ServerMessage
	out    chan types.ClientMessage
	closed chan struct{}
	once   sync.Once

	// leaveGate, when set, holds leave-room writes until it is closed.
	leaveGate    chan struct{}
	leaveBlocked chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan types.ServerMessage, 16),
		out:    make(chan types.ClientMessage, 64),
		closed: make(chan struct{}),

		leaveBlocked: make(chan struct{}, 1),
	}
}

func (c *fakeConn) Read(ctx context.Context) (types.ServerMessage, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return types.ServerMessage{}, io.EOF
	case <-ctx.Done():
		return types.ServerMessage{}, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, m types.ClientMessage) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	if m.Type == engine.CmdLeaveRoom && c.leaveGate != nil {
		select {
		case c.leaveBlocked <- struct{}{}:
		default:
		}
		select {
		case <-c.leaveGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case c.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the network going away.
func (c *fakeConn) drop() { c.Close() }

type fakeDialer struct {
	mu    sync.Mutex
	fail  int // next n dials fail
	dials chan *fakeConn

	leaveGate chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.leaveGate = d.leaveGate
	d.dials <- c
	return c, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dials:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

func recvWrite(t *testing.T, c *fakeConn) types.ClientMessage {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client event")
		return types.ClientMessage{}
	}
}

func recvNoWrite(t *testing.T, c *fakeConn, within time.Duration) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("unexpected client event %s", m.Type)
	case <-time.After(within):
	}
}

func snapshot(version int, creator string, current *string) types.ServerMessage {
	return types.ServerMessage{
		Type:    types.EvtRoomUpdate,
		Version: version,
		Room: &types.RoomSnapshot{
			ID:           "ROOM01",
			CreatedBy:    creator,
			Participants: []engine.User{alice},
			Votes:        map[string]*float64{},
			CurrentStory: current,
		},
	}
}

func testOptions(d Dialer) Options {
	return Options{
		Dialer:        d,
		RoomID:        "ROOM01",
		User:          alice,
		MaxRetries:    3,
		BaseDelay:     5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		LeaveDelay:    30 * time.Millisecond,
		NotFoundDelay: 10 * time.Millisecond,
	}
}

func openSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_JoinsWithIdentity(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, testOptions(d))

	c := nextConn(t, d)
	m := recvWrite(t, c)
	require.Equal(t, engine.CmdJoinRoom, m.Type)
	require.Equal(t, "ROOM01", m.Data.RoomID)
	require.Equal(t, alice, *m.Data.User)
	require.Eventually(t, func() bool { return s.Status() == StatusConnected }, time.Second, 5*time.Millisecond)
}

func TestReconnect_RejoinsWithSameIdentity(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, testOptions(d))

	c1 := nextConn(t, d)
	first := recvWrite(t, c1)
	c1.in <- snapshot(7, "alice", nil)
	require.Eventually(t, func() bool { _, v, _ := s.Room(); return v == 7 }, time.Second, 5*time.Millisecond)

	d.failNext(1)
	c1.drop()

	c2 := nextConn(t, d)
	again := recvWrite(t, c2)
	require.Equal(t, engine.CmdJoinRoom, again.Type)
	require.Equal(t, *first.Data.User, *again.Data.User)
	require.Equal(t, first.Data.RoomID, again.Data.RoomID)

	// Versions restart per connection.
	c2.in <- snapshot(1, "alice", nil)
	require.Eventually(t, func() bool { _, v, _ := s.Room(); return v == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusConnected, s.Status())
}

func TestReconnect_Exhausted(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions(d)
	var mu sync.Mutex
	var surfaced []types.ErrorData
	opts.OnError = func(e types.ErrorData) {
		mu.Lock()
		surfaced = append(surfaced, e)
		mu.Unlock()
	}
	s := openSession(t, opts)

	c := nextConn(t, d)
	recvWrite(t, c)
	d.failNext(100)
	c.drop()

	err := s.Wait()
	require.ErrorIs(t, err, ErrReconnectExhausted)
	require.Equal(t, StatusDisconnected, s.Status())
	mu.Lock()
	require.Len(t, surfaced, 1)
	require.Equal(t, CodeDisconnected, surfaced[0].Code)
	mu.Unlock()

	// Reusable once the server is back.
	d.failNext(0)
	require.NoError(t, s.Open(context.Background()))
	require.Equal(t, engine.CmdJoinRoom, recvWrite(t, nextConn(t, d)).Type)
}

func TestStaleSnapshotsDropped(t *testing.T) {
	d := newFakeDialer()
	var mu sync.Mutex
	var seen []int
	opts := testOptions(d)
	opts.OnUpdate = func(v int, _ types.RoomSnapshot) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}
	openSession(t, opts)

	c := nextConn(t, d)
	recvWrite(t, c)
	for _, v := range []int{2, 1, 4, 3, 4, 5} {
		c.in <- snapshot(v, "alice", nil)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{2, 4, 5}, seen)
	mu.Unlock()
}

func TestLeave_ExactlyOncePerEpisode(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, testOptions(d))
	c := nextConn(t, d)
	recvWrite(t, c)

	s.Leave(TriggerNavigate)
	s.Leave(TriggerVisibility)
	s.Leave(TriggerHashChange)
	s.Leave(TriggerUnload)
	s.Leave(TriggerPopState)

	m := recvWrite(t, c)
	require.Equal(t, engine.CmdLeaveRoom, m.Type)
	require.Equal(t, "alice", m.Data.UserID)
	recvNoWrite(t, c, 100*time.Millisecond)

	require.NoError(t, s.Wait(), "leaving is voluntary")
	require.Equal(t, StatusClosed, s.Status())

	// A new join starts a new episode.
	require.NoError(t, s.Open(context.Background()))
	c2 := nextConn(t, d)
	recvWrite(t, c2)
	s.Leave(TriggerUnload)
	require.Equal(t, engine.CmdLeaveRoom, recvWrite(t, c2).Type)
}

func TestLeave_DebouncedTriggersCoalesce(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, testOptions(d))
	c := nextConn(t, d)
	recvWrite(t, c)

	s.Leave(TriggerVisibility)
	s.Leave(TriggerPopState)
	recvNoWrite(t, c, 10*time.Millisecond)

	require.Equal(t, engine.CmdLeaveRoom, recvWrite(t, c).Type)
	recvNoWrite(t, c, 100*time.Millisecond)
}

func TestLeave_UnloadWaitsForLeaveOnTheWire(t *testing.T) {
	d := newFakeDialer()
	gate := make(chan struct{})
	d.leaveGate = gate
	s := openSession(t, testOptions(d))
	c := nextConn(t, d)
	recvWrite(t, c)

	s.Leave(TriggerNavigate)
	select {
	case <-c.leaveBlocked:
	case <-time.After(time.Second):
		t.Fatalf("debounced leave-room never started writing")
	}

	returned := make(chan struct{})
	go func() {
		s.Leave(TriggerUnload)
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatalf("unload returned before leave-room was written")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.Equal(t, engine.CmdLeaveRoom, recvWrite(t, c).Type)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("unload did not return after leave-room was written")
	}
	recvNoWrite(t, c, 50*time.Millisecond)
}

func TestClose_CancelsPendingLeave(t *testing.T) {
	d := newFakeDialer()
	s, err := New(testOptions(d))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	c := nextConn(t, d)
	recvWrite(t, c)

	s.Leave(TriggerNavigate)
	require.NoError(t, s.Close())
	recvNoWrite(t, c, 100*time.Millisecond)
}

func TestNotFound_SurfacedOnceAndStops(t *testing.T) {
	d := newFakeDialer()
	mem, err := OpenFileMemory(filepath.Join(t.TempDir(), "poker.yaml"))
	require.NoError(t, err)
	require.NoError(t, mem.RememberRoom("ROOM01"))

	opts := testOptions(d)
	opts.Memory = mem
	var errs []types.ErrorData
	var mu sync.Mutex
	opts.OnError = func(e types.ErrorData) { mu.Lock(); errs = append(errs, e); mu.Unlock() }
	gone := make(chan struct{})
	opts.OnNotFound = func() { close(gone) }
	s := openSession(t, opts)

	c := nextConn(t, d)
	recvWrite(t, c)
	nf := types.ServerMessage{Type: types.EvtError, Error: &types.ErrorData{Code: types.CodeNotFound, Message: "room not found"}}
	c.in <- nf
	c.in <- nf

	require.ErrorIs(t, s.Wait(), ErrRoomNotFound)
	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatalf("OnNotFound not called")
	}
	mu.Lock()
	require.Len(t, errs, 1)
	mu.Unlock()
	require.Empty(t, mem.LastRoom())

	// No reconnect after a missing room.
	select {
	case <-d.dials:
		t.Fatalf("unexpected redial")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRepeatedErrorsSurfacedOnce(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions(d)
	var mu sync.Mutex
	var errs []types.ErrorData
	opts.OnError = func(e types.ErrorData) { mu.Lock(); errs = append(errs, e); mu.Unlock() }
	openSession(t, opts)

	c := nextConn(t, d)
	recvWrite(t, c)
	c.in <- snapshot(1, "alice", nil)
	unauth := types.ServerMessage{Type: types.EvtError, Error: &types.ErrorData{Code: types.CodeUnauthorized, Message: "nope"}}
	c.in <- unauth
	c.in <- unauth
	c.in <- snapshot(2, "alice", nil)
	c.in <- unauth

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCommands_AdvisoryGating(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions(d)
	s := openSession(t, opts)
	c := nextConn(t, d)
	recvWrite(t, c)
	ctx := context.Background()

	// Before any snapshot nothing is gated locally.
	require.NoError(t, s.AddStory(ctx, "Login", ""))
	require.Equal(t, engine.CmdAddStory, recvWrite(t, c).Type)

	c.in <- snapshot(1, "bob", nil)
	require.Eventually(t, func() bool { _, v, _ := s.Room(); return v == 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.StartVoting(ctx, "s1"), ErrNotCreator)
	require.ErrorIs(t, s.Vote(ctx, 5), ErrCannotVote)

	cur := "s1"
	c.in <- snapshot(2, "bob", &cur)
	require.Eventually(t, func() bool { _, v, _ := s.Room(); return v == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Vote(ctx, 5))
	m := recvWrite(t, c)
	require.Equal(t, engine.CmdSubmitVote, m.Type)
	require.Equal(t, 5.0, *m.Data.Vote)
	require.Equal(t, "alice", m.Data.UserID)
}

func TestComplete_RevealsFirst(t *testing.T) {
	d := newFakeDialer()
	s := openSession(t, testOptions(d))
	c := nextConn(t, d)
	recvWrite(t, c)

	require.NoError(t, s.Complete(context.Background(), "s1"))
	require.Equal(t, engine.CmdRevealVotes, recvWrite(t, c).Type)
	m := recvWrite(t, c)
	require.Equal(t, engine.CmdCompleteStory, m.Type)
	require.Equal(t, "s1", m.Data.StoryID)
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	require.Equal(t, 100*time.Millisecond, backoff(0, base, max))
	require.Equal(t, 400*time.Millisecond, backoff(2, base, max))
	require.Equal(t, max, backoff(4, base, max))
	require.Equal(t, max, backoff(80, base, max))
}

// Against the real server: two sessions, one round.
func TestSession_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	room, err := mem.Create(ctx, "Sprint 12", alice.ID)
	require.NoError(t, err)
	h := hub.NewHub(ctx, mem, lobby.Options{Rules: engine.DefaultRules()})
	srv := httptest.NewServer(ws.Handler(h, ws.Options{}))
	defer srv.Close()
	dialer := WSDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}

	updates := func() (chan types.RoomSnapshot, func(int, types.RoomSnapshot)) {
		ch := make(chan types.RoomSnapshot, 32)
		return ch, func(_ int, r types.RoomSnapshot) { ch <- r }
	}
	waitFor := func(ch chan types.RoomSnapshot, ok func(types.RoomSnapshot) bool) types.RoomSnapshot {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case r := <-ch:
				if ok(r) {
					return r
				}
			case <-deadline:
				t.Fatalf("timed out waiting for snapshot")
			}
		}
	}

	aliceCh, onAlice := updates()
	a, err := New(Options{Dialer: dialer, RoomID: room.ID, User: alice, OnUpdate: onAlice})
	require.NoError(t, err)
	require.NoError(t, a.Open(ctx))
	defer a.Close()

	bob := engine.User{ID: "bob", Name: "Bob", Title: "Bob"}
	bobCh, onBob := updates()
	b, err := New(Options{Dialer: dialer, RoomID: room.ID, User: bob, OnUpdate: onBob})
	require.NoError(t, err)
	require.NoError(t, b.Open(ctx))
	defer b.Close()

	waitFor(aliceCh, func(r types.RoomSnapshot) bool { return len(r.Participants) == 2 })
	require.NoError(t, a.AddStory(ctx, "Login flow", ""))
	r := waitFor(aliceCh, func(r types.RoomSnapshot) bool { return len(r.Stories) == 1 })
	storyID := r.Stories[0].ID

	require.NoError(t, a.StartVoting(ctx, storyID))
	waitFor(bobCh, func(r types.RoomSnapshot) bool { return r.CurrentStory != nil })
	waitFor(aliceCh, func(r types.RoomSnapshot) bool { return r.CurrentStory != nil })
	require.NoError(t, b.Vote(ctx, 8))
	require.NoError(t, a.Vote(ctx, 5))
	waitFor(aliceCh, func(r types.RoomSnapshot) bool { return len(r.Votes) == 2 })

	require.NoError(t, a.Complete(ctx, storyID))
	r = waitFor(bobCh, func(r types.RoomSnapshot) bool {
		st, ok := r.Story(storyID)
		return ok && st.Status == engine.StatusCompleted
	})
	st, _ := r.Story(storyID)
	require.Equal(t, 6.5, *st.Points)

	b.Leave(TriggerUnload)
	require.NoError(t, b.Wait())
	r = waitFor(aliceCh, func(r types.RoomSnapshot) bool { return len(r.Participants) == 1 })
	require.Equal(t, alice.ID, r.Participants[0].ID)
}
