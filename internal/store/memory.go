package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DoyleJ11/planning-poker/internal/engine"
)

// Memory keeps rooms for the life of the process.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]engine.Room
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]engine.Room), now: time.Now}
}

func (m *Memory) Create(_ context.Context, name, createdBy string) (engine.Room, error) {
	name, createdBy, err := normalize(name, createdBy)
	if err != nil {
		return engine.Room{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < maxAttempts; i++ {
		id, err := GenerateCode()
		if err != nil {
			return engine.Room{}, fmt.Errorf("generate room id: %w", err)
		}
		if _, taken := m.rooms[id]; taken {
			continue
		}
		room := engine.NewRoom(id, name, createdBy, m.now().UTC())
		m.rooms[id] = room.Clone()
		return room, nil
	}
	return engine.Room{}, fmt.Errorf("generate room id: %d collisions", maxAttempts)
}

func (m *Memory) Get(_ context.Context, id string) (engine.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return engine.Room{}, ErrNotFound
	}
	return room.Clone(), nil
}

func (m *Memory) Save(_ context.Context, room engine.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; !ok {
		return ErrNotFound
	}
	m.rooms[room.ID] = room.Clone()
	return nil
}

// Delete is the retention hook; the lobby only ever sees ErrNotFound afterwards.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, id)
	return nil
}
