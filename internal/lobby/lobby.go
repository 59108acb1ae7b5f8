package lobby

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/planning-poker/internal/engine"
)

var ErrClosed = errors.New("lobby closed")

const saveTimeout = 5 * time.Second

type Msg interface{ isLobbyMsg() }

// Join subscribes a connection and applies a join-room for User in one step,
// so the joiner's first snapshot already lists them.
type Join struct {
	ClientID string
	User     engine.User
	Outbox   chan Update // where this client wants to receive snapshots
}

func (Join) isLobbyMsg() {}

// Leave unsubscribes a connection. It does not remove the participant; that
// is the leave-room command.
type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

type FromClient struct {
	ClientID string
	Cmd      engine.Command
}

func (FromClient) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type idleFired struct{ gen int }

func (idleFired) isLobbyMsg() {}

type Snapshot struct {
	Version int
	Room    engine.Room
}

// Update is either a snapshot for everyone or, when Err is set, a rejection
// meant only for the client that sent the command.
type Update struct {
	Snapshot
	Err error
}

type View struct {
	Version    int
	NumClients int
	Room       engine.Room
}

// Saver persists room snapshots. It is called off the lobby loop.
type Saver interface {
	Save(ctx context.Context, room engine.Room) error
}

type Options struct {
	Rules       engine.Rules
	Saver       Saver
	IdleTimeout time.Duration // zero keeps the lobby forever
	OnIdle      func(roomID string)
	Logger      *zap.Logger
	Now         func() time.Time
	NewID       func() string
}

type Lobby struct {
	id      string
	inbox   chan Msg
	room    engine.Room
	version int
	clients map[string]chan Update
	ctx     context.Context
	cancel  context.CancelFunc

	opts    Options
	log     *zap.Logger
	idleGen int

	saves     chan engine.Room
	saverDone chan struct{}
}

func NewLobby(parent context.Context, initial engine.Room, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	l := &Lobby{
		id:        initial.ID,
		inbox:     make(chan Msg, 64), // Small buffer
		room:      initial.Clone(),
		clients:   make(map[string]chan Update),
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		log:       opts.Logger.With(zap.String("room_id", initial.ID)),
		saves:     make(chan engine.Room, 1),
		saverDone: make(chan struct{}),
	}

	go l.saver()
	go l.loop()
	return l
}

func (l *Lobby) loop() {
	l.armIdle()
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.join(msg)

			case Leave:
				if ch, ok := l.clients[msg.ClientID]; ok {
					close(ch)
					delete(l.clients, msg.ClientID)
					l.log.Debug("client unsubscribed", zap.String("client_id", msg.ClientID))
				}
				l.armIdle()

			case FromClient:
				l.apply(msg.ClientID, msg.Cmd)

			case GetState:
				msg.Reply <- View{
					Version:    l.version,
					NumClients: len(l.clients),
					Room:       l.room.Clone(),
				}

			case idleFired:
				// Stale fires from an earlier arming are dropped.
				if msg.gen != l.idleGen || len(l.clients) != 0 {
					break
				}
				l.log.Info("lobby idle, closing")
				l.shutdown()
				if l.opts.OnIdle != nil {
					go func() {
						<-l.saverDone
						l.opts.OnIdle(l.id)
					}()
				}
				return

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) join(msg Join) {
	cmd := engine.Command{Type: engine.CmdJoinRoom, Actor: msg.User.ID, User: msg.User, At: l.opts.Now()}
	events, next, err := engine.Apply(l.room, cmd, l.opts.Rules)
	if err != nil {
		l.log.Debug("join rejected", zap.String("client_id", msg.ClientID), zap.Error(err))
		if cur, ok := l.clients[msg.ClientID]; ok && cur == msg.Outbox {
			delete(l.clients, msg.ClientID)
		}
		trySend(msg.Outbox, Update{Err: err})
		close(msg.Outbox)
		return
	}

	if old, ok := l.clients[msg.ClientID]; ok && old != msg.Outbox {
		close(old)
	}
	l.clients[msg.ClientID] = msg.Outbox
	l.idleGen++

	l.log.Info("participant joined",
		zap.String("client_id", msg.ClientID),
		zap.String("user_id", msg.User.ID),
		zap.Bool("rejoin", engine.ContainsEvent(events, engine.EvtParticipantUpdated)))
	l.commit(next)
}

func (l *Lobby) apply(clientID string, cmd engine.Command) {
	if cmd.At.IsZero() {
		cmd.At = l.opts.Now()
	}
	if cmd.Type == engine.CmdAddStory && cmd.StoryID == "" {
		cmd.StoryID = l.opts.NewID()
	}

	events, next, err := engine.Apply(l.room, cmd, l.opts.Rules)
	if err != nil {
		l.log.Debug("command rejected",
			zap.String("client_id", clientID),
			zap.String("cmd", string(cmd.Type)),
			zap.String("user_id", cmd.Actor),
			zap.Error(err))
		if ch, ok := l.clients[clientID]; ok && !trySend(ch, Update{Err: err}) {
			l.drop(clientID, ch)
		}
		return
	}
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		l.log.Debug("event",
			zap.String("event", string(e.Type)),
			zap.String("user_id", e.UserID),
			zap.String("story_id", e.StoryID))
	}
	l.commit(next)
}

// commit installs the new room, bumps the version, broadcasts and schedules a save.
func (l *Lobby) commit(next engine.Room) {
	l.room = next
	l.version++
	snap := Snapshot{Version: l.version, Room: l.room.Clone()}
	l.broadcast(snap)
	l.persist(snap.Room)
}

func (l *Lobby) shutdown() {
	l.cancel()
	l.drain()
	for id, ch := range l.clients {
		close(ch) // Tell client no more snapshots
		delete(l.clients, id)
	}
}

// drain settles messages queued behind the shutdown. Joiners get a closed
// outbox so they reload the room; state readers get the final view.
func (l *Lobby) drain() {
	for {
		select {
		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				if cur, ok := l.clients[msg.ClientID]; ok && cur == msg.Outbox {
					break
				}
				close(msg.Outbox)
			case GetState:
				select {
				case msg.Reply <- View{Version: l.version, NumClients: len(l.clients), Room: l.room.Clone()}:
				default:
				}
			}
		default:
			return
		}
	}
}

func (l *Lobby) broadcast(snap Snapshot) {
	for id, ch := range l.clients {
		if !trySend(ch, Update{Snapshot: snap}) {
			l.drop(id, ch)
		}
	}
}

// drop disconnects a slow client whose outbox is full.
func (l *Lobby) drop(id string, ch chan Update) {
	l.log.Warn("dropping slow client", zap.String("client_id", id))
	close(ch)
	delete(l.clients, id)
	l.armIdle()
}

func (l *Lobby) armIdle() {
	if l.opts.IdleTimeout <= 0 || len(l.clients) != 0 {
		return
	}
	l.idleGen++
	gen := l.idleGen
	time.AfterFunc(l.opts.IdleTimeout, func() {
		select {
		case l.inbox <- idleFired{gen: gen}:
		case <-l.ctx.Done():
		}
	})
}

// persist hands the latest snapshot to the saver, replacing one it has not
// picked up yet. Only the loop sends on saves, so the second send cannot block.
func (l *Lobby) persist(room engine.Room) {
	if l.opts.Saver == nil {
		return
	}
	select {
	case l.saves <- room:
	default:
		select {
		case <-l.saves:
		default:
		}
		l.saves <- room
	}
}

func (l *Lobby) saver() {
	defer close(l.saverDone)
	for {
		select {
		case room := <-l.saves:
			l.save(room)
		case <-l.ctx.Done():
			select {
			case room := <-l.saves:
				l.save(room)
			default:
			}
			return
		}
	}
}

func (l *Lobby) save(room engine.Room) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := l.opts.Saver.Save(ctx, room); err != nil {
		l.log.Error("failed to save room", zap.Error(err))
	}
}

func trySend(ch chan Update, u Update) bool {
	select {
	case ch <- u:
		return true
	default:
		return false
	}
}

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Send delivers m unless the lobby has shut down or ctx ends first.
func (l *Lobby) Send(ctx context.Context, m Msg) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case l.inbox <- m:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := l.Send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.ctx.Done():
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (l *Lobby) ID() string { return l.id }

// Done is closed once the lobby stops accepting messages.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Wait blocks until the final snapshot has been handed to the Saver.
func (l *Lobby) Wait() { <-l.saverDone }
