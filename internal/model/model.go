// Package model defines the core domain types shared across the Taiwa
// evaluation platform: topics, runs, sessions' turns, and the persisted
// request records that form the durable transcript log.
package model

import (
	"time"
)

// Mode distinguishes the two isolated API namespaces. Debug runs are
// rehearsals: they are never written to the runs table and never count
// toward recovery, status, or export.
type Mode string

const (
	ModeRun   Mode = "run"
	ModeDebug Mode = "debug"
)

// Role identifies the speaker of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Topic is one unit of subject matter the simulated user explores.
// Topics are loaded once from the catalog and shared read-only.
type Topic struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Turn is a single transcript entry. Transcripts strictly alternate
// roles, starting with RoleUser.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RunMeta is the immutable record of a run's existence, created by the
// client request that starts the run.
type RunMeta struct {
	RunID        string `json:"run_id"`
	Description  string `json:"description"`
	TrackPersona bool   `json:"track_persona"`
	// TeamID is optional in the start request; when present it must match
	// the authenticated team. The server fills it in before the run is
	// registered.
	TeamID string `json:"team_id,omitempty"`
}

// RequestRecord is one persisted turn of a run: the unit of durability
// and the sole source for recovery and export. Append-only.
type RequestRecord struct {
	Timestamp     time.Time          `json:"timestamp"`
	RunID         string             `json:"run_id"`
	TeamID        string             `json:"team_id"`
	SessionID     string             `json:"session_id"`
	TopicID       string             `json:"topic_id"`
	UserID        string             `json:"user_id"`
	Mode          Mode               `json:"api"`
	UserUtterance string             `json:"user_utterance"`
	Response      *string            `json:"response"` // nil for the terminal closing record
	Citations     map[string]float64 `json:"citations"`
	Provenance    []string           `json:"provenance"`
	Subtopic      *string            `json:"subtopic"`
	Rating        *int               `json:"rating"`
}

// RunStatus is the progress report for a run.
type RunStatus struct {
	Status     string   `json:"status"` // "active", "inactive", or "complete"
	DoneTopics []string `json:"done_topics"`
	OpenTopics []string `json:"open_topics"`
}

// Run status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusComplete = "complete"
)
