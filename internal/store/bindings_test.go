// ABOUTME: Tests for runtime binding CRUD and the routing lookup adapter
// ABOUTME: Uses a temp-dir SQLite database per test

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "openclaw.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &Binding{
		Channel:      "telegram",
		Conversation: "42",
		AgentID:      "assistant",
		ProfileID:    "primary",
	}
	require.NoError(t, s.CreateBinding(ctx, b))
	assert.NotEmpty(t, b.ID)

	got, err := s.GetBinding(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, "assistant", got.AgentID)
	assert.Equal(t, "primary", got.ProfileID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateBinding_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &Binding{Channel: "telegram", Conversation: "42", AgentID: "assistant"}
	require.NoError(t, s.CreateBinding(ctx, b))

	dup := &Binding{Channel: "telegram", Conversation: "42", AgentID: "other"}
	assert.ErrorIs(t, s.CreateBinding(ctx, dup), ErrDuplicateBinding)
}

func TestCreateBinding_RequiredFields(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateBinding(context.Background(), &Binding{Channel: "telegram"})
	assert.Error(t, err)
}

func TestGetBinding_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBinding(context.Background(), "telegram", "missing")
	assert.ErrorIs(t, err, ErrBindingNotFound)
}

func TestDeleteBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBinding(ctx, &Binding{
		Channel: "telegram", Conversation: "42", AgentID: "assistant",
	}))
	require.NoError(t, s.DeleteBinding(ctx, "telegram", "42"))

	_, err := s.GetBinding(ctx, "telegram", "42")
	assert.ErrorIs(t, err, ErrBindingNotFound)

	assert.ErrorIs(t, s.DeleteBinding(ctx, "telegram", "42"), ErrBindingNotFound)
}

func TestListBindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBinding(ctx, &Binding{
		Channel: "telegram", Conversation: "1", AgentID: "assistant",
	}))
	require.NoError(t, s.CreateBinding(ctx, &Binding{
		Channel: "discord", Conversation: "2", AgentID: "support",
	}))

	bindings, err := s.ListBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestLookup_RoutingAdapter(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Lookup("telegram", "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateBinding(context.Background(), &Binding{
		Channel: "telegram", Conversation: "42", AgentID: "assistant", ProfileID: "primary",
	}))

	b, ok, err := s.Lookup("telegram", "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "assistant", b.AgentID)
	assert.Equal(t, "primary", b.ProfileID)
}
