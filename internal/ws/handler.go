package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/hub"
	"github.com/DoyleJ11/planning-poker/internal/lobby"
	"github.com/DoyleJ11/planning-poker/internal/types"
)

type Options struct {
	OutboxSize     int           // snapshots buffered per subscription before the lobby drops us
	SendBuffer     int           // frames buffered for the socket writer
	WriteTimeout   time.Duration // per frame
	PingPeriod     time.Duration // zero disables keepalive pings
	ReadLimit      int64
	OriginPatterns []string
	Logger         *zap.Logger
}

func (o *Options) defaults() {
	if o.OutboxSize <= 0 {
		o.OutboxSize = 16
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts.defaults()
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			opts.Logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(opts.ReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		c := &client{
			id:     uuid.NewString(),
			conn:   conn,
			hub:    h,
			opts:   opts,
			send:   make(chan types.ServerMessage, opts.SendBuffer),
			ctx:    ctx,
			cancel: cancel,
		}
		c.log = opts.Logger.With(zap.String("client_id", c.id))
		c.log.Debug("client connected", zap.String("remote", r.RemoteAddr))

		c.serve()
	}
}

// client is one websocket connection. It may be subscribed to one room at a
// time; the user it joined as is the actor of every command it sends.
type client struct {
	id     string
	conn   *websocket.Conn
	hub    *hub.Hub
	opts   Options
	log    *zap.Logger
	send   chan types.ServerMessage
	ctx    context.Context
	cancel context.CancelFunc

	sub *subscription // owned by the reader loop
}

type subscription struct {
	lobby    *lobby.Lobby
	roomID   string
	user     engine.User
	detached atomic.Bool
}

func (c *client) serve() {
	defer c.conn.Close(websocket.StatusNormalClosure, "bye")
	defer c.cancel()
	defer c.detach()

	go c.writer()
	if c.opts.PingPeriod > 0 {
		go c.pinger()
	}

	// Reader loop
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Debug("client closed connection")
			default:
				c.log.Debug("read failed", zap.Error(err))
			}
			// Involuntary or not, the participant stays in the room until leave-room.
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			c.fail(types.CodeBadRequest, "bad json")
			continue
		}
		c.handle(cm)
	}
}

func (c *client) handle(cm types.ClientMessage) {
	switch cm.Type {
	case engine.CmdJoinRoom:
		c.joinRoom(cm.Data)
	case engine.CmdLeaveRoom:
		c.leaveRoom(cm.Data)
	default:
		cmd, ok := toEngineCommand(cm)
		if !ok {
			c.fail(types.CodeBadRequest, "unknown type")
			return
		}
		c.command(cm.Data, cmd)
	}
}

func (c *client) joinRoom(d types.ClientData) {
	if d.User == nil || strings.TrimSpace(d.User.ID) == "" {
		c.fail(types.CodeBadRequest, "join-room needs a user with an id")
		return
	}
	lb, ok := c.resolve(d.RoomID)
	if !ok {
		return
	}

	c.detach()
	sub := &subscription{lobby: lb, roomID: d.RoomID, user: *d.User}
	out := make(chan lobby.Update, c.opts.OutboxSize)
	if err := lb.Send(c.ctx, lobby.Join{ClientID: c.id, User: *d.User, Outbox: out}); err != nil {
		c.lobbyGone(err)
		return
	}
	c.sub = sub
	go c.forward(sub, out)
	c.log.Info("joined room", zap.String("room_id", d.RoomID), zap.String("user_id", d.User.ID))
}

func (c *client) leaveRoom(d types.ClientData) {
	sub, ok := c.subscribed(d)
	if !ok {
		return
	}
	cmd := engine.Command{Type: engine.CmdLeaveRoom, Actor: sub.user.ID}
	if err := sub.lobby.Send(c.ctx, lobby.FromClient{ClientID: c.id, Cmd: cmd}); err != nil {
		c.lobbyGone(err)
		return
	}
	c.detach()
	c.log.Info("left room", zap.String("room_id", d.RoomID), zap.String("user_id", sub.user.ID))
}

func (c *client) command(d types.ClientData, cmd engine.Command) {
	sub, ok := c.subscribed(d)
	if !ok {
		return
	}
	cmd.Actor = sub.user.ID
	if err := sub.lobby.Send(c.ctx, lobby.FromClient{ClientID: c.id, Cmd: cmd}); err != nil {
		c.lobbyGone(err)
	}
}

// subscribed checks that d targets the joined room as the joined user. Unknown
// rooms are reported as not found before anything else.
func (c *client) subscribed(d types.ClientData) (*subscription, bool) {
	sub := c.sub
	if sub == nil || sub.detached.Load() || sub.roomID != d.RoomID {
		if _, ok := c.resolve(d.RoomID); ok {
			c.fail(types.CodeValidation, "join the room first")
		}
		return nil, false
	}
	if d.UserID != "" && d.UserID != sub.user.ID {
		c.fail(types.CodeUnauthorized, "user does not match this connection")
		return nil, false
	}
	return sub, true
}

func (c *client) resolve(roomID string) (*lobby.Lobby, bool) {
	lb, err := c.hub.Get(c.ctx, roomID)
	switch {
	case err == nil:
		return lb, true
	case errors.Is(err, hub.ErrRoomNotFound):
		c.fail(types.CodeNotFound, err.Error())
	default:
		c.log.Warn("room lookup failed", zap.String("room_id", roomID), zap.Error(err))
		c.fail(types.CodeValidation, "room unavailable")
	}
	return nil, false
}

// detach unsubscribes from the current room, if any.
func (c *client) detach() {
	sub := c.sub
	if sub == nil {
		return
	}
	c.sub = nil
	sub.detached.Store(true)
	_ = sub.lobby.Send(context.Background(), lobby.Leave{ClientID: c.id})
}

// lobbyGone closes the socket so the client reconnects and reloads the room.
func (c *client) lobbyGone(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.log.Info("room closed under client", zap.Error(err))
	c.conn.Close(websocket.StatusTryAgainLater, "room closed, reconnect")
	c.cancel()
}

// forward renders lobby updates for this client's user.
func (c *client) forward(sub *subscription, out <-chan lobby.Update) {
	joined := false
	var rejected error
	deliver := func(u lobby.Update) bool {
		var msg types.ServerMessage
		if u.Err != nil {
			if !joined {
				rejected = u.Err
			}
			msg = errorMessage(string(engine.Classify(u.Err)), u.Err.Error())
		} else {
			joined = true
			snap := types.Render(u.Room, sub.user.ID)
			msg = types.ServerMessage{Type: types.EvtRoomUpdate, Version: u.Version, Room: &snap}
		}
		return c.push(msg)
	}

	done := sub.lobby.Done()
loop:
	for {
		select {
		case u, ok := <-out:
			if !ok {
				break loop
			}
			if !deliver(u) {
				return
			}
		case <-done:
			// A join queued behind the shutdown may never see its outbox
			// closed; flush whatever is buffered and stop.
			for {
				select {
				case u, ok := <-out:
					if !ok {
						break loop
					}
					if !deliver(u) {
						return
					}
				default:
					break loop
				}
			}
		}
	}

	if sub.detached.Load() {
		return
	}
	if !joined && rejected != nil {
		// The join itself was refused; the error is already queued.
		sub.detached.Store(true)
		return
	}
	// Closed without us asking: dropped as slow or the lobby shut down.
	c.lobbyGone(lobby.ErrClosed)
}

func (c *client) fail(code, message string) {
	c.push(errorMessage(code, message))
}

// push queues msg for the writer; a client that cannot keep up is disconnected.
func (c *client) push(msg types.ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.log.Warn("send buffer full, disconnecting")
		c.conn.Close(websocket.StatusTryAgainLater, "too slow")
		c.cancel()
		return false
	}
}

// Writer goroutine
func (c *client) writer() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			payload, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("encode server message", zap.Error(err))
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err = c.conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

func (c *client) pinger() {
	t := time.NewTicker(c.opts.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.PingPeriod)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}

func errorMessage(code, message string) types.ServerMessage {
	return types.ServerMessage{Type: types.EvtError, Error: &types.ErrorData{Code: code, Message: message}}
}

func toEngineCommand(m types.ClientMessage) (engine.Command, bool) {
	d := m.Data
	switch m.Type {
	case engine.CmdSubmitVote:
		if d.Vote == nil {
			return engine.Command{}, false
		}
		return engine.Command{Type: m.Type, Vote: *d.Vote}, true
	case engine.CmdAddStory:
		return engine.Command{Type: m.Type, Title: d.Title, Description: d.Description}, true
	case engine.CmdStartVoting, engine.CmdCompleteStory, engine.CmdSkipStory, engine.CmdDeleteStory:
		return engine.Command{Type: m.Type, StoryID: d.StoryID}, true
	case engine.CmdResetVoting, engine.CmdRevealVotes:
		return engine.Command{Type: m.Type}, true
	default:
		return engine.Command{}, false
	}
}
