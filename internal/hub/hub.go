package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/lobby"
	"github.com/DoyleJ11/planning-poker/internal/store"
)

var ErrRoomNotFound = errors.New("room not found")
var ErrClosed = errors.New("hub closed")

const loadTimeout = 5 * time.Second

// Store is the room-store the hub loads rooms from and lobbies save into.
type Store interface {
	Get(ctx context.Context, id string) (engine.Room, error)
	Save(ctx context.Context, room engine.Room) error
}

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	ID    string
	Reply chan *lobby.Lobby
}

// EnsureLobby starts a lobby for Room unless a live one is registered.
type EnsureLobby struct {
	Room  engine.Room
	Reply chan *lobby.Lobby
}

// RemoveLobby unregisters ID if it still maps to Lobby.
type RemoveLobby struct {
	ID    string
	Lobby *lobby.Lobby
}

type ShutdownHub struct {
	Reply chan []*lobby.Lobby
}

func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	ctx     context.Context
	cancel  context.CancelFunc

	store Store
	opts  lobby.Options
	loads singleflight.Group
	log   *zap.Logger
}

// NewHub starts the registry. opts is the template for every lobby; its Saver
// and OnIdle are filled in by the hub.
func NewHub(parent context.Context, st Store, opts lobby.Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		ctx:     ctx,
		cancel:  cancel,
		store:   st,
		log:     opts.Logger.Named("hub"),
	}
	opts.Saver = st
	opts.OnIdle = h.onIdle
	h.opts = opts
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.ID] // May be nil

			case EnsureLobby:
				if lb := h.lobbies[msg.Room.ID]; lb != nil && !closed(lb) {
					msg.Reply <- lb
					break
				}
				lb := lobby.NewLobby(h.ctx, msg.Room, h.opts)
				h.lobbies[msg.Room.ID] = lb
				h.log.Info("lobby started", zap.String("room_id", msg.Room.ID))
				msg.Reply <- lb

			case RemoveLobby:
				if h.lobbies[msg.ID] == msg.Lobby {
					delete(h.lobbies, msg.ID)
					h.log.Info("lobby removed", zap.String("room_id", msg.ID))
				}

			case ShutdownHub:
				all := make([]*lobby.Lobby, 0, len(h.lobbies))
				for _, lb := range h.lobbies {
					all = append(all, lb)
				}
				clear(h.lobbies)
				h.cancel() // lobbies share our context
				msg.Reply <- all
				return
			}
		}
	}
}

// Get returns the live lobby for id, loading the room from the store when no
// lobby is running. Unknown ids yield ErrRoomNotFound; rooms are never created
// implicitly.
func (h *Hub) Get(ctx context.Context, id string) (*lobby.Lobby, error) {
	if id == "" {
		return nil, ErrRoomNotFound
	}

	for attempt := 0; attempt < 3; attempt++ {
		lb, err := h.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if lb != nil {
			if !closed(lb) {
				return lb, nil
			}
			// Closed by idleness: its last save must land before we reload.
			lb.Wait()
			if err := h.send(ctx, RemoveLobby{ID: id, Lobby: lb}); err != nil {
				return nil, err
			}
		}

		room, err := h.load(ctx, id)
		if err != nil {
			return nil, err
		}
		lb, err = h.Ensure(ctx, room)
		if err != nil {
			return nil, err
		}
		if !closed(lb) {
			return lb, nil
		}
	}
	return nil, fmt.Errorf("room %s: %w", id, lobby.ErrClosed)
}

// Ensure starts a lobby for room if none is live and returns the registered one.
func (h *Hub) Ensure(ctx context.Context, room engine.Room) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, EnsureLobby{Room: room, Reply: reply}); err != nil {
		return nil, err
	}
	return h.recv(ctx, reply)
}

// Close stops every lobby and waits for their final saves.
func (h *Hub) Close(ctx context.Context) error {
	reply := make(chan []*lobby.Lobby, 1)
	if err := h.send(ctx, ShutdownHub{Reply: reply}); err != nil {
		return err
	}
	var all []*lobby.Lobby
	select {
	case all = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, lb := range all {
		done := make(chan struct{})
		go func() { lb.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) lookup(ctx context.Context, id string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	if err := h.send(ctx, GetLobby{ID: id, Reply: reply}); err != nil {
		return nil, err
	}
	return h.recv(ctx, reply)
}

// load reads a room from the store. Concurrent loads of one id share a call;
// the shared call outlives any single caller's cancellation, and each caller
// stops waiting when its own ctx ends.
func (h *Hub) load(ctx context.Context, id string) (engine.Room, error) {
	ch := h.loads.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return h.store.Get(lctx, id)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return engine.Room{}, ctx.Err()
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
		}
		return engine.Room{}, fmt.Errorf("load room %s: %w", id, err)
	}
	return v.(engine.Room), nil
}

func (h *Hub) onIdle(id string) {
	lb, err := h.lookup(context.Background(), id)
	if err != nil || lb == nil || !closed(lb) {
		return
	}
	_ = h.send(context.Background(), RemoveLobby{ID: id, Lobby: lb})
}

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) recv(ctx context.Context, reply chan *lobby.Lobby) (*lobby.Lobby, error) {
	select {
	case lb := <-reply:
		return lb, nil
	case <-h.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func closed(lb *lobby.Lobby) bool {
	select {
	case <-lb.Done():
		return true
	default:
		return false
	}
}
