package taiwa

import "time"

// Turn is one utterance in a conversation transcript.
type Turn struct {
	Role    string `json:"role"` // "User" or "System"
	Content string `json:"content"`
}

// RunMeta describes a run to be started.
type RunMeta struct {
	RunID        string `json:"run_id"`
	Description  string `json:"description"`
	TrackPersona bool   `json:"track_persona"`
	TeamID       string `json:"team_id,omitempty"`
}

// UserUtterance is the simulated user's next message in a dialogue.
type UserUtterance struct {
	Timestamp             time.Time `json:"timestamp"`
	RunID                 string    `json:"run_id"`
	TopicID               string    `json:"topic_id"`
	UserID                string    `json:"user_id"`
	Utterance             string    `json:"utterance"`
	History               []Turn    `json:"history"`
	LastResponseOfSession bool      `json:"last_response_of_session"`
	LastResponseOfRun     bool      `json:"last_response_of_run"`
}

// AssistantReply is a system answer submitted to the simulated user.
type AssistantReply struct {
	RunID      string             `json:"run_id"`
	Response   string             `json:"response"`
	Citations  map[string]float64 `json:"citations,omitempty"`
	Provenance []string           `json:"provenance,omitempty"`
}

// RunStatus reports a run's progress over its topic queue.
type RunStatus struct {
	Status     string   `json:"status"` // "active", "inactive", or "complete"
	DoneTopics []string `json:"done_topics"`
	OpenTopics []string `json:"open_topics"`
}

// BudgetStatus reports remaining request credits for one API mode.
type BudgetStatus struct {
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Unit      string `json:"unit"`
}

// ExportMetadata identifies the run a judged response belongs to.
type ExportMetadata struct {
	TeamID       string `json:"team_id"`
	RunID        string `json:"run_id"`
	Type         string `json:"type"`
	Description  string `json:"description"`
	TrackPersona bool   `json:"track_persona"`
	TopicID      string `json:"topic_id"`
}

// ExportResponse is a single judged response inside an export record.
type ExportResponse struct {
	Rank            int                `json:"rank"`
	UserUtterance   string             `json:"user_utterance"`
	UserRubric      *string            `json:"user_rubric"`
	UserRubricScore *int               `json:"user_rubric_score"`
	Text            *string            `json:"text"`
	Citations       map[string]float64 `json:"citations"`
	Provenance      []string           `json:"ptkb_provenance"`
}

// ExportRecord is one line of the NDJSON run dump.
type ExportRecord struct {
	Metadata   ExportMetadata     `json:"metadata"`
	Responses  []ExportResponse   `json:"responses"`
	References map[string]float64 `json:"references"`
}
