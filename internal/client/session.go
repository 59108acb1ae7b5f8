// Package client is the participant side of a room: it keeps one event channel
// open, re-joins after involuntary disconnects and mirrors the server's room.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/planning-poker/internal/debounce"
	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/types"
)

var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyOpen        = errors.New("session already open")
	ErrNotCreator         = errors.New("only the room creator can do that")
	ErrCannotVote         = errors.New("no open round to vote in")
)

// CodeDisconnected is reported through OnError when reconnecting gives up.
const CodeDisconnected = "disconnected"

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDisconnected // gave up reconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Trigger names what made the client leave a room.
type Trigger string

const (
	TriggerNavigate   Trigger = "navigate"
	TriggerVisibility Trigger = "visibility"
	TriggerPopState   Trigger = "popstate"
	TriggerHashChange Trigger = "hashchange"
	TriggerUnload     Trigger = "unload" // sent synchronously
)

type Options struct {
	Dialer Dialer
	RoomID string
	User   engine.User
	Memory Memory // optional

	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	LeaveDelay    time.Duration
	NotFoundDelay time.Duration
	WriteTimeout  time.Duration

	// Callbacks run on the session's goroutines and must not block.
	OnUpdate   func(version int, room types.RoomSnapshot)
	OnError    func(types.ErrorData)
	OnStatus   func(Status)
	OnNotFound func() // after NotFoundDelay, once the room is known to be gone

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.LeaveDelay <= 0 {
		o.LeaveDelay = 300 * time.Millisecond
	}
	if o.NotFoundDelay <= 0 {
		o.NotFoundDelay = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type Session struct {
	opts  Options
	log   *zap.Logger
	leave *debounce.Debouncer

	wmu sync.Mutex // serializes writes

	mu          sync.Mutex
	leaving     chan struct{} // set once per episode, closed when its leave-room is out
	conn        Conn
	status      Status
	version     int // latest seen on the current connection
	gotSnapshot bool
	room        types.RoomSnapshot
	hasRoom     bool
	lastErr     *types.ErrorData
	stopping    bool
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
}

func New(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	if opts.RoomID == "" {
		return nil, errors.New("client: room id is required")
	}
	if opts.User.ID == "" {
		return nil, errors.New("client: user id is required")
	}
	opts.defaults()
	return &Session{
		opts:  opts,
		log:   opts.Logger.With(zap.String("room_id", opts.RoomID), zap.String("user_id", opts.User.ID)),
		leave: debounce.New(opts.LeaveDelay),
	}, nil
}

// Open connects, joins the room and keeps the session alive in the background
// until ctx ends, Close or Leave is called, the room turns out not to exist or
// reconnecting gives up. A finished session can be opened again; each Open
// starts a new leave episode.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return ErrAlreadyOpen
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopping = false
	s.err = nil
	s.lastErr = nil
	s.leaving = nil
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.leave.Cancel()
	s.setStatus(StatusConnecting)

	conn, err := s.connect(ctx)
	if err != nil {
		cancel()
		s.finish(done, StatusDisconnected, err)
		return err
	}
	go s.run(ctx, conn, done)
	return nil
}

// Wait blocks until the session stops and returns why. Voluntary stops return nil.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close disconnects without leaving the room.
func (s *Session) Close() error {
	s.leave.Cancel()
	s.shutdown()
	return s.Wait()
}

// Leave announces that this participant is leaving. Unload sends right away
// and returns once the leave-room is written, even when a coalesced leave is
// already on the wire; the other triggers are coalesced so a burst produces
// one leave-room.
func (s *Session) Leave(t Trigger) {
	if t == TriggerUnload {
		s.leave.Fire(s.sendLeave)
		return
	}
	s.leave.Trigger(s.sendLeave)
}

func (s *Session) sendLeave() {
	s.mu.Lock()
	if inflight := s.leaving; inflight != nil {
		s.mu.Unlock()
		t := time.NewTimer(s.opts.WriteTimeout)
		defer t.Stop()
		select {
		case <-inflight:
		case <-t.C:
		}
		return
	}
	sent := make(chan struct{})
	s.leaving = sent
	s.mu.Unlock()
	defer close(sent)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	err := s.write(ctx, engine.CmdLeaveRoom, types.ClientData{RoomID: s.opts.RoomID, UserID: s.opts.User.ID})
	if err != nil {
		s.log.Warn("leave-room not delivered", zap.Error(err))
	}
	s.shutdown()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.stopping = true
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Room returns the latest snapshot and its version.
func (s *Session) Room() (types.RoomSnapshot, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.version, s.hasRoom
}

func (s *Session) User() engine.User { return s.opts.User }

func (s *Session) run(ctx context.Context, conn Conn, done chan struct{}) {
	for {
		err := s.serve(ctx, conn)
		_ = conn.Close()

		if s.isStopping() || ctx.Err() != nil {
			s.finish(done, StatusClosed, nil)
			return
		}
		if errors.Is(err, ErrRoomNotFound) {
			s.finish(done, StatusDisconnected, err)
			return
		}

		s.log.Info("connection lost, reconnecting", zap.Error(err))
		s.setStatus(StatusReconnecting)
		conn, err = s.reconnect(ctx, err)
		if err != nil {
			if s.isStopping() || ctx.Err() != nil {
				s.finish(done, StatusClosed, nil)
				return
			}
			s.finish(done, StatusDisconnected, err)
			return
		}
	}
}

func (s *Session) finish(done chan struct{}, st Status, err error) {
	s.mu.Lock()
	s.conn = nil
	s.err = err
	s.mu.Unlock()
	s.setStatus(st)
	// Transport trouble is only worth reporting once retries are spent.
	if errors.Is(err, ErrReconnectExhausted) {
		s.surface(types.ErrorData{Code: CodeDisconnected, Message: err.Error()})
	}
	close(done)
}

func (s *Session) reconnect(ctx context.Context, cause error) (Conn, error) {
	last := cause
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		wait := backoff(attempt, s.opts.BaseDelay, s.opts.MaxDelay)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		conn, err := s.connect(ctx)
		if err == nil {
			return conn, nil
		}
		last = err
		s.log.Debug("reconnect failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.opts.MaxRetries, last)
}

// connect dials and joins. The server treats a repeated join as a refresh.
func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	s.conn = conn
	s.version = 0
	s.gotSnapshot = false
	s.mu.Unlock()

	user := s.opts.User
	if err := s.write(ctx, engine.CmdJoinRoom, types.ClientData{RoomID: s.opts.RoomID, User: &user}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.setStatus(StatusConnected)
	return conn, nil
}

func (s *Session) serve(ctx context.Context, conn Conn) error {
	for {
		m, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := s.handle(m); err != nil {
			return err
		}
	}
}

func (s *Session) handle(m types.ServerMessage) error {
	switch m.Type {
	case types.EvtRoomUpdate:
		if m.Room == nil {
			return nil
		}
		s.mu.Lock()
		if m.Version <= s.version {
			s.mu.Unlock()
			s.log.Debug("stale snapshot dropped", zap.Int("version", m.Version))
			return nil
		}
		first := !s.gotSnapshot
		s.version = m.Version
		s.room = *m.Room
		s.hasRoom = true
		s.gotSnapshot = true
		s.lastErr = nil
		s.mu.Unlock()

		if first && s.opts.Memory != nil {
			if err := s.opts.Memory.RememberRoom(s.opts.RoomID); err != nil {
				s.log.Warn("remember room", zap.Error(err))
			}
		}
		if s.opts.OnUpdate != nil {
			s.opts.OnUpdate(m.Version, *m.Room)
		}

	case types.EvtError:
		if m.Error == nil {
			return nil
		}
		s.mu.Lock()
		joined := s.gotSnapshot
		s.mu.Unlock()

		// Before the first snapshot the only thing that can be missing is the room.
		if m.Error.Code == types.CodeNotFound && !joined {
			s.surface(*m.Error)
			s.roomGone()
			return fmt.Errorf("%w: %s", ErrRoomNotFound, s.opts.RoomID)
		}
		s.surface(*m.Error)
	}
	return nil
}

// surface reports e unless it repeats the last reported error.
func (s *Session) surface(e types.ErrorData) {
	s.mu.Lock()
	if s.lastErr != nil && *s.lastErr == e {
		s.mu.Unlock()
		return
	}
	s.lastErr = &e
	s.mu.Unlock()

	s.log.Info("server error", zap.String("code", e.Code), zap.String("message", e.Message))
	if s.opts.OnError != nil {
		s.opts.OnError(e)
	}
}

func (s *Session) roomGone() {
	if s.opts.Memory != nil {
		if err := s.opts.Memory.ForgetRoom(); err != nil {
			s.log.Warn("forget room", zap.Error(err))
		}
	}
	if s.opts.OnNotFound != nil {
		time.AfterFunc(s.opts.NotFoundDelay, s.opts.OnNotFound)
	}
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.log.Debug("status", zap.Stringer("status", st))
		if s.opts.OnStatus != nil {
			s.opts.OnStatus(st)
		}
	}
}

func (s *Session) write(ctx context.Context, typ engine.CommandType, d types.ClientData) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.Write(ctx, types.ClientMessage{Type: typ, Data: d})
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}
