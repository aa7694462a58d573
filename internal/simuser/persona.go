package simuser

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/taiwa-eval/taiwa/internal/catalog"
	"github.com/taiwa-eval/taiwa/internal/model"
)

const personaBasePrompt = "You are a user of a search system and are interested in \"%s\". " +
	"Your goal is to find out as much as possible about the topic. " +
	"Ask short questions and interact with the system. Respond with short utterances only. " +
	"Be vague about the questions, provide feedback, and ask follow up questions. " +
	"Answer question when you get asked some. " +
	"Don't ever repeat information in the dialog. " +
	"You should behave according to the list of given properties below. " +
	"Reveal properties when you think it is necessary but don't give out the whole list. " +
	"\n\nYou have the following properties:\n- %s"

const personaRatingPrompt = "Can the question be answered based on the available context? Pick from the numbers below.\n" +
	"5: The answer is highly relevant, complete, and accurate.\n" +
	"4: The answer is mostly relevant and complete but may have minor gaps or inaccuracies.\n" +
	"3: The answer is partially relevant and complete, with noticeable gaps or inaccuracies.\n" +
	"2: The answer has limited relevance and completeness, with significant gaps or inaccuracies.\n" +
	"1: The answer is minimally relevant or complete, with substantial shortcomings.\n" +
	"0: The answer is not relevant or complete at all.\n\n" +
	"Question: %s\n" +
	"Context: %s\n" +
	"Number: "

const personaFarewellPrompt = "You gathered all necessary information. Say thank you and farewell."

// PersonaConfig tunes the LLM-driven user behavior.
type PersonaConfig struct {
	// RubricThreshold is the minimum exclusive rating at which an
	// assistant reply counts as satisfactory.
	RubricThreshold int
	// MaxRetries is how often the same subtopic is pursued before the
	// user moves on despite unsatisfying answers.
	MaxRetries int
	// Candidates is the number of alternative utterances generated per
	// turn; the one closest to the current subtopic wins.
	Candidates int
	// MaxTokens caps the length of each generated utterance.
	MaxTokens int
}

// DefaultPersonaConfig returns the standard tuning.
func DefaultPersonaConfig() PersonaConfig {
	return PersonaConfig{
		RubricThreshold: 3,
		MaxRetries:      2,
		Candidates:      5,
		MaxTokens:       128,
	}
}

// PersonaUser simulates a searcher with a persona and a subtopic
// agenda. Each turn it rates the assistant's last reply against the
// subtopic it asked about, decides whether to push on, move to the next
// subtopic, or say farewell, and then generates its utterance with an
// LLM, picking the candidate closest to the targeted subtopic by
// embedding similarity.
type PersonaUser struct {
	topic   model.Topic
	persona catalog.Persona
	chat    ChatClient
	embed   Embedder
	cfg     PersonaConfig
	logger  *slog.Logger
}

// NewPersonaUser creates a user for the given topic and persona. embed
// may be nil, in which case the first generated candidate is used.
func NewPersonaUser(topic model.Topic, persona catalog.Persona, chat ChatClient, embed Embedder, cfg PersonaConfig, logger *slog.Logger) *PersonaUser {
	return &PersonaUser{
		topic:   topic,
		persona: persona,
		chat:    chat,
		embed:   embed,
		cfg:     cfg,
		logger:  logger.With("user_id", persona.UserID),
	}
}

// ID returns the persona's user identifier.
func (u *PersonaUser) ID() string { return u.persona.UserID }

func (u *PersonaUser) systemPrompt() string {
	return fmt.Sprintf(personaBasePrompt, strings.ToLower(u.topic.Title), strings.Join(u.persona.Statements, "\n- "))
}

// Initiate opens the session targeting the first subtopic of the
// agenda.
func (u *PersonaUser) Initiate(ctx context.Context, topicID string) (string, *string, error) {
	if topicID != u.persona.TopicID {
		return "", nil, fmt.Errorf("simuser: user %q cannot simulate topic %q", u.persona.UserID, topicID)
	}
	next := u.persona.Subtopics[0]
	u.logger.Debug("next subtopic", "subtopic", next)

	messages := []Message{
		{Role: roleSystem, Content: u.systemPrompt() + fmt.Sprintf("\n\nExplore the following question:\n%q", next)},
		{Role: roleUser, Content: "How may I help you?"},
	}
	best, err := u.bestCandidate(ctx, messages, next)
	if err != nil {
		return "", nil, err
	}
	return best, &next, nil
}

// Respond rates the assistant's latest reply and produces the next user
// utterance. A nil subtopic in the return value means the user said
// farewell and the session is over.
func (u *PersonaUser) Respond(ctx context.Context, _ string, subtopics []*string, transcript []model.Turn) (string, *string, *int, error) {
	if len(transcript) == 0 || transcript[len(transcript)-1].Role != model.RoleAssistant {
		return "", nil, nil, fmt.Errorf("simuser: transcript must end with an assistant turn")
	}
	if len(subtopics) == 0 || subtopics[len(subtopics)-1] == nil {
		return "", nil, nil, fmt.Errorf("simuser: no open subtopic to respond about")
	}
	current := *subtopics[len(subtopics)-1]
	reply := transcript[len(transcript)-1].Content

	// The dialogue is replayed from the simulated user's point of view,
	// so the two parties swap roles.
	messages := make([]Message, 0, len(transcript)+2)
	messages = append(messages,
		Message{Role: roleSystem, Content: u.systemPrompt()},
		Message{Role: roleUser, Content: "How can I help you?"},
	)
	for _, t := range transcript {
		role := roleUser
		if t.Role == model.RoleUser {
			role = roleAssistant
		}
		messages = append(messages, Message{Role: role, Content: t.Content})
	}

	rating := u.answerRating(ctx, current, reply)

	var next *string
	switch {
	case rating != nil && *rating > u.cfg.RubricThreshold:
		next = u.pickNextSubtopic(subtopics)
		if next == nil {
			return u.farewell(ctx, messages, rating)
		}
		messages[0].Content += fmt.Sprintf("\n\nYou are satisfied with the last given answer. Now, explore the following question %q.", *next)

	case countSubtopic(subtopics, current) >= u.cfg.MaxRetries:
		next = u.pickNextSubtopic(subtopics)
		if next == nil {
			return u.farewell(ctx, messages, rating)
		}
		messages[0].Content += fmt.Sprintf("\n\nThe last given answer was not helpful but you continue anyway. Now explore the following question %q.", *next)

	case rating == nil:
		messages[0].Content += "\n\nYou did not fully understand the answer. Ask for clarification on the last response."
		next = &current

	default:
		messages[0].Content += fmt.Sprintf("\n\nThe last given answer was not helpful. Inform the system about that. Ask more specifically about the following question %q.", current)
		next = &current
	}

	best, err := u.bestCandidate(ctx, messages, *next)
	if err != nil {
		return "", nil, nil, err
	}
	return best, next, rating, nil
}

func (u *PersonaUser) farewell(ctx context.Context, messages []Message, rating *int) (string, *string, *int, error) {
	messages[0].Content = personaFarewellPrompt
	out, err := u.chat.Complete(ctx, messages, GenOptions{MaxTokens: u.cfg.MaxTokens})
	if err != nil {
		return "", nil, nil, fmt.Errorf("simuser: generate farewell: %w", err)
	}
	return out[0], nil, rating, nil
}

// answerRating asks the LLM to grade the reply against the subtopic on
// the 0-5 rubric. Returns nil when the grade cannot be parsed.
func (u *PersonaUser) answerRating(ctx context.Context, subtopic, reply string) *int {
	out, err := u.chat.Complete(ctx, []Message{
		{Role: roleUser, Content: fmt.Sprintf(personaRatingPrompt, subtopic, reply)},
	}, GenOptions{MaxTokens: 1})
	if err != nil {
		u.logger.Warn("answer rating failed", "error", err)
		return nil
	}

	rating, err := strconv.Atoi(strings.TrimSpace(out[0]))
	if err != nil {
		u.logger.Debug("unparseable answer rating", "raw", out[0])
		return nil
	}
	u.logger.Debug("answer rating", "rating", rating)
	return &rating
}

// pickNextSubtopic returns the first agenda subtopic not yet visited in
// this session, or nil when the agenda is exhausted.
func (u *PersonaUser) pickNextSubtopic(history []*string) *string {
	for _, s := range u.persona.Subtopics {
		if countSubtopic(history, s) == 0 {
			next := s
			u.logger.Debug("next subtopic", "subtopic", next)
			return &next
		}
	}
	return nil
}

// bestCandidate generates candidate utterances and returns the one most
// similar to the targeted subtopic.
func (u *PersonaUser) bestCandidate(ctx context.Context, messages []Message, subtopic string) (string, error) {
	candidates, err := u.chat.Complete(ctx, messages, GenOptions{MaxTokens: u.cfg.MaxTokens, Candidates: u.cfg.Candidates})
	if err != nil {
		return "", fmt.Errorf("simuser: generate candidates: %w", err)
	}
	if len(candidates) == 1 || u.embed == nil {
		return candidates[0], nil
	}

	vecs, err := u.embed.EmbedBatch(ctx, append([]string{subtopic}, candidates...))
	if err != nil {
		u.logger.Warn("candidate embedding failed", "error", err)
		return candidates[0], nil
	}

	best, bestScore := 0, -1.0
	for i := range candidates {
		score := Cosine(vecs[0], vecs[i+1])
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	u.logger.Debug("best candidate", "index", best, "score", bestScore)
	return candidates[best], nil
}

func countSubtopic(history []*string, s string) int {
	n := 0
	for _, h := range history {
		if h != nil && *h == s {
			n++
		}
	}
	return n
}
