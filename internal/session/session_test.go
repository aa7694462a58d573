package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/simuser"
)

func testUser() simuser.User {
	return simuser.NewScriptedUser("u1", []string{"q1"})
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("team-a", "run-1")
	assert.ErrorIs(t, err, ErrNoSession)

	s, err := r.Create("team-a", "run-1", "dummy1", testUser())
	require.NoError(t, err)
	assert.Len(t, s.ID, 32)
	assert.Equal(t, "dummy1", s.TopicID)

	got, err := r.Get("team-a", "run-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Create("team-a", "run-1", "dummy2", testUser())
	assert.ErrorIs(t, err, ErrSessionExists)

	require.NoError(t, r.Terminate("team-a", "run-1"))
	_, err = r.Get("team-a", "run-1")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, r.Terminate("team-a", "run-1"), ErrNoSession)
}

func TestRegistryScopesByTeam(t *testing.T) {
	r := NewRegistry()

	_, err := r.Create("team-a", "run-1", "dummy1", testUser())
	require.NoError(t, err)

	// Same run id under another team is a distinct session slot.
	_, err = r.Create("team-b", "run-1", "dummy1", testUser())
	require.NoError(t, err)

	_, err = r.Get("team-b", "run-1")
	assert.NoError(t, err)
}

func TestSessionAppendAlternates(t *testing.T) {
	s, err := NewRegistry().Create("team-a", "run-1", "dummy1", testUser())
	require.NoError(t, err)

	s.Append(model.Turn{Role: model.RoleUser, Content: "q1"})
	s.Append(model.Turn{Role: model.RoleAssistant, Content: "a1"})
	s.Append(model.Turn{Role: model.RoleUser, Content: "q2"})
	assert.Len(t, s.Transcript, 3)

	assert.Panics(t, func() {
		s.Append(model.Turn{Role: model.RoleUser, Content: "q3"})
	})
	assert.Panics(t, func() {
		fresh, _ := NewRegistry().Create("team-a", "run-2", "dummy1", testUser())
		fresh.Append(model.Turn{Role: model.RoleAssistant, Content: "a1"})
	})
}

func TestSessionLastUserUtterance(t *testing.T) {
	s, err := NewRegistry().Create("team-a", "run-1", "dummy1", testUser())
	require.NoError(t, err)

	_, ok := s.LastUserUtterance()
	assert.False(t, ok)

	s.Append(model.Turn{Role: model.RoleUser, Content: "q1"})
	s.Append(model.Turn{Role: model.RoleAssistant, Content: "a1"})

	utt, ok := s.LastUserUtterance()
	require.True(t, ok)
	assert.Equal(t, "q1", utt)
}
