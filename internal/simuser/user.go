// Package simuser implements the simulated users that drive evaluation
// dialogues. A User owns one side of a conversation: it opens a topic
// with a first utterance and keeps responding to assistant replies
// until its information need is met, at which point it signals the end
// of the session with a nil subtopic marker.
package simuser

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/taiwa-eval/taiwa/internal/model"
)

// User is a simulated searcher assigned to a topic.
//
// Initiate produces the opening utterance for a fresh session together
// with the subtopic it targets. Respond consumes the transcript so far
// (ending with the assistant's latest reply) and returns the next
// utterance, the subtopic it targets, and an optional 0-5 rating of the
// assistant's reply. A nil subtopic means the user is done with the
// topic and the returned utterance is its farewell.
type User interface {
	ID() string
	Initiate(ctx context.Context, topicID string) (utterance string, subtopic *string, err error)
	Respond(ctx context.Context, topicID string, subtopics []*string, transcript []model.Turn) (utterance string, subtopic *string, rating *int, err error)
}

// Pool maps topics to the users that can simulate them. When several
// users are registered for a topic, one is picked at random per
// session.
//
// Add all users before serving; Pool is read-only afterwards and safe
// for concurrent UserFor calls.
type Pool struct {
	byTopic map[string][]User
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{byTopic: make(map[string][]User)}
}

// Add registers a user for a topic.
func (p *Pool) Add(topicID string, u User) {
	p.byTopic[topicID] = append(p.byTopic[topicID], u)
}

// UserFor picks a user for the topic.
func (p *Pool) UserFor(topicID string) (User, error) {
	users := p.byTopic[topicID]
	if len(users) == 0 {
		return nil, fmt.Errorf("simuser: no user registered for topic %q", topicID)
	}
	return users[rand.IntN(len(users))], nil
}

// Topics returns the topic ids that have at least one user.
func (p *Pool) Topics() []string {
	out := make([]string, 0, len(p.byTopic))
	for id := range p.byTopic {
		out = append(out, id)
	}
	return out
}
