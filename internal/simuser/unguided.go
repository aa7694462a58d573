package simuser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taiwa-eval/taiwa/internal/catalog"
	"github.com/taiwa-eval/taiwa/internal/model"
)

// UnguidedUser simulates a searcher that explores its topic freely
// instead of working through the subtopic agenda. The agenda's length
// still bounds the conversation: once the user has received that many
// answers it says farewell. Turns carry an empty subtopic marker and no
// rating, since there is no targeted question to grade against.
type UnguidedUser struct {
	topic   model.Topic
	persona catalog.Persona
	chat    ChatClient
	cfg     PersonaConfig
	logger  *slog.Logger
}

// NewUnguidedUser creates a free-exploration user for the given topic
// and persona.
func NewUnguidedUser(topic model.Topic, persona catalog.Persona, chat ChatClient, cfg PersonaConfig, logger *slog.Logger) *UnguidedUser {
	return &UnguidedUser{
		topic:   topic,
		persona: persona,
		chat:    chat,
		cfg:     cfg,
		logger:  logger.With("user_id", persona.UserID),
	}
}

// ID returns the persona's user identifier.
func (u *UnguidedUser) ID() string { return u.persona.UserID }

func (u *UnguidedUser) systemPrompt() string {
	return fmt.Sprintf(personaBasePrompt, strings.ToLower(u.topic.Title), strings.Join(u.persona.Statements, "\n- "))
}

// Initiate opens the session with a free opening utterance and an empty
// subtopic marker.
func (u *UnguidedUser) Initiate(ctx context.Context, topicID string) (string, *string, error) {
	if topicID != u.persona.TopicID {
		return "", nil, fmt.Errorf("simuser: user %q cannot simulate topic %q", u.persona.UserID, topicID)
	}

	out, err := u.chat.Complete(ctx, []Message{
		{Role: roleSystem, Content: u.systemPrompt()},
		{Role: roleUser, Content: "How may I help you?"},
	}, GenOptions{MaxTokens: u.cfg.MaxTokens})
	if err != nil {
		return "", nil, fmt.Errorf("simuser: generate opening: %w", err)
	}
	marker := ""
	return out[0], &marker, nil
}

// Respond produces the next free utterance. The user says farewell once
// it has received as many answers as the agenda has subtopics.
func (u *UnguidedUser) Respond(ctx context.Context, _ string, _ []*string, transcript []model.Turn) (string, *string, *int, error) {
	if len(transcript) == 0 || transcript[len(transcript)-1].Role != model.RoleAssistant {
		return "", nil, nil, fmt.Errorf("simuser: transcript must end with an assistant turn")
	}

	// The dialogue is replayed from the simulated user's point of view,
	// so the two parties swap roles.
	answers := 0
	messages := make([]Message, 0, len(transcript)+2)
	messages = append(messages,
		Message{Role: roleSystem, Content: u.systemPrompt()},
		Message{Role: roleUser, Content: "How can I help you?"},
	)
	for _, t := range transcript {
		role := roleUser
		if t.Role == model.RoleUser {
			role = roleAssistant
		} else {
			answers++
		}
		messages = append(messages, Message{Role: role, Content: t.Content})
	}

	if answers >= len(u.persona.Subtopics) {
		messages[0].Content = personaFarewellPrompt
		out, err := u.chat.Complete(ctx, messages, GenOptions{MaxTokens: u.cfg.MaxTokens})
		if err != nil {
			return "", nil, nil, fmt.Errorf("simuser: generate farewell: %w", err)
		}
		return out[0], nil, nil, nil
	}

	out, err := u.chat.Complete(ctx, messages, GenOptions{MaxTokens: u.cfg.MaxTokens})
	if err != nil {
		return "", nil, nil, fmt.Errorf("simuser: generate utterance: %w", err)
	}
	marker := ""
	return out[0], &marker, nil, nil
}
