package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/planning-poker/internal/engine"
)

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		for _, c := range code {
			require.True(t, strings.ContainsRune(codeCharset, c), "unexpected rune %q", c)
		}
		seen[code] = true
	}
	require.Greater(t, len(seen), 90)
}

func TestMemory_CreateGetSave(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	room, err := m.Create(ctx, "  Sprint 12 ", "alice")
	require.NoError(t, err)
	require.Equal(t, "Sprint 12", room.Name)
	require.Equal(t, "alice", room.CreatedBy)
	require.NoError(t, room.Validate())

	got, err := m.Get(ctx, room.ID)
	require.NoError(t, err)
	require.Equal(t, room, got)

	got.Participants = append(got.Participants, engine.User{ID: "bob", Name: "Bob", Title: "Bob"})
	again, err := m.Get(ctx, room.ID)
	require.NoError(t, err)
	require.Empty(t, again.Participants, "callers must not share the stored room")

	require.NoError(t, m.Save(ctx, got))
	saved, err := m.Get(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, saved.Participants, 1)
}

func TestMemory_NotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "NOPE00")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.Save(ctx, engine.NewRoom("NOPE00", "x", "y", time.Now())), ErrNotFound)
	require.ErrorIs(t, m.Delete(ctx, "NOPE00"), ErrNotFound)
}

func TestMemory_CreateValidates(t *testing.T) {
	m := NewMemory()
	_, err := m.Create(context.Background(), " ", "alice")
	require.ErrorIs(t, err, ErrInvalidRoom)
	_, err = m.Create(context.Background(), "Sprint", "")
	require.ErrorIs(t, err, ErrInvalidRoom)
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	room, err := m.Create(ctx, "Sprint", "alice")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, room.ID))
	_, err = m.Get(ctx, room.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
