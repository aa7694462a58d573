package simuser

import (
	"context"
	"fmt"

	"github.com/taiwa-eval/taiwa/internal/model"
)

// ScriptedUser walks a fixed agenda of questions, one per turn,
// regardless of what the assistant answers. After the agenda is
// exhausted it says farewell and ends the session. With K agenda items
// a session has exactly K+1 user turns.
//
// ScriptedUser needs no LLM and backs the built-in dummy task and
// tests.
type ScriptedUser struct {
	id     string
	agenda []string
}

// NewScriptedUser creates a user that asks the agenda questions in
// order.
func NewScriptedUser(id string, agenda []string) *ScriptedUser {
	return &ScriptedUser{id: id, agenda: agenda}
}

// ID returns the user identifier.
func (u *ScriptedUser) ID() string { return u.id }

// Initiate opens the session with the first agenda question.
func (u *ScriptedUser) Initiate(_ context.Context, topicID string) (string, *string, error) {
	if len(u.agenda) == 0 {
		return "", nil, fmt.Errorf("simuser: user %q has an empty agenda for topic %q", u.id, topicID)
	}
	return u.agenda[0], &u.agenda[0], nil
}

// Respond asks the next agenda question, or says farewell once every
// question has been asked. The position in the agenda is derived from
// the transcript, so ScriptedUser itself carries no session state.
func (u *ScriptedUser) Respond(_ context.Context, _ string, _ []*string, transcript []model.Turn) (string, *string, *int, error) {
	asked := 0
	for _, t := range transcript {
		if t.Role == model.RoleUser {
			asked++
		}
	}
	if asked >= len(u.agenda) {
		return "Thanks, that is everything I wanted to know. Goodbye!", nil, nil, nil
	}
	return u.agenda[asked], &u.agenda[asked], nil, nil
}
