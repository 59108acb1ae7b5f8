package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/DoyleJ11/planning-poker/internal/engine"
)

// Memory remembers the last room that served a snapshot so a client can offer
// to resume it. Sessions only write to it.
type Memory interface {
	RememberRoom(id string) error
	ForgetRoom() error
}

type memoryFile struct {
	UserID     string `yaml:"userId"`
	UserName   string `yaml:"userName"`
	LastRoomID string `yaml:"lastRoomId,omitempty"`
}

// FileMemory keeps the client identity and last room in a YAML file.
type FileMemory struct {
	path string

	mu   sync.Mutex
	data memoryFile
}

// OpenFileMemory reads path if it exists. A missing file is an empty memory.
func OpenFileMemory(path string) (*FileMemory, error) {
	m := &FileMemory{path: path}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return m, nil
	case err != nil:
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// Identity returns the stored user, minting an id on first use. A non-empty
// name replaces the stored one.
func (m *FileMemory) Identity(name string) (engine.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	if m.data.UserID == "" {
		m.data.UserID = uuid.NewString()
		changed = true
	}
	if name = strings.TrimSpace(name); name != "" && name != m.data.UserName {
		m.data.UserName = name
		changed = true
	}
	if m.data.UserName == "" {
		return engine.User{}, errors.New("no user name stored; pass one")
	}
	if changed {
		if err := m.writeLocked(); err != nil {
			return engine.User{}, err
		}
	}
	return engine.User{ID: m.data.UserID, Name: m.data.UserName, Title: m.data.UserName}, nil
}

func (m *FileMemory) LastRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LastRoomID
}

func (m *FileMemory) RememberRoom(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data.LastRoomID == id {
		return nil
	}
	m.data.LastRoomID = id
	return m.writeLocked()
}

func (m *FileMemory) ForgetRoom() error {
	return m.RememberRoom("")
}

func (m *FileMemory) writeLocked() error {
	raw, err := yaml.Marshal(m.data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
