// Package session holds the in-memory state of live dialogue sessions.
// A session pairs one simulated user with one topic for the duration of
// a dialogue; it exists only between the opening utterance and the
// user's farewell and is never persisted. The durable record of a
// dialogue lives in the request log.
package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/simuser"
)

var (
	// ErrSessionExists is returned when a run already has a live session.
	ErrSessionExists = errors.New("session: session already exists for run")
	// ErrNoSession is returned when a run has no live session.
	ErrNoSession = errors.New("session: no session for run")
)

// Session is one live dialogue between a simulated user and an
// evaluated system, scoped to a single topic of a run.
//
// Transcript holds the turns in order, strictly alternating user and
// assistant. Subtopics records, per user turn, which subtopic the
// utterance targeted; the final nil entry marks the farewell.
type Session struct {
	ID         string
	TeamID     string
	TopicID    string
	User       simuser.User
	Transcript []model.Turn
	Subtopics  []*string
}

func newSession(teamID, topicID string, user simuser.User) *Session {
	id := uuid.New()
	return &Session{
		ID:      hex.EncodeToString(id[:]),
		TeamID:  teamID,
		TopicID: topicID,
		User:    user,
	}
}

// Append adds a turn to the transcript. Turns must strictly alternate
// between user and assistant, starting with the user; a violation is a
// programming error in the caller and panics.
func (s *Session) Append(turn model.Turn) {
	if len(s.Transcript) == 0 {
		if turn.Role != model.RoleUser {
			panic("session: transcript must start with a user turn")
		}
	} else if s.Transcript[len(s.Transcript)-1].Role == turn.Role {
		panic(fmt.Sprintf("session: consecutive %s turns", turn.Role))
	}
	s.Transcript = append(s.Transcript, turn)
}

// MarkSubtopic records which subtopic the latest user turn targeted.
// A nil subtopic marks the farewell turn.
func (s *Session) MarkSubtopic(subtopic *string) {
	s.Subtopics = append(s.Subtopics, subtopic)
}

// LastUserUtterance returns the content of the most recent user turn.
func (s *Session) LastUserUtterance() (string, bool) {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		if s.Transcript[i].Role == model.RoleUser {
			return s.Transcript[i].Content, true
		}
	}
	return "", false
}

// Registry tracks the live session of every run, keyed by team and run
// id. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[string]*Session)}
}

// Get returns the live session of a run, or ErrNoSession.
func (r *Registry) Get(teamID, runID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[teamID][runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, runID)
	}
	return s, nil
}

// Create starts a session for the run. A run can have at most one live
// session; a second Create fails with ErrSessionExists.
func (r *Registry) Create(teamID, runID, topicID string, user simuser.User) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[teamID][runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, runID)
	}
	if r.sessions[teamID] == nil {
		r.sessions[teamID] = make(map[string]*Session)
	}
	s := newSession(teamID, topicID, user)
	r.sessions[teamID][runID] = s
	return s, nil
}

// Terminate removes the run's live session.
func (r *Registry) Terminate(teamID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[teamID][runID]; !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, runID)
	}
	delete(r.sessions[teamID], runID)
	return nil
}
