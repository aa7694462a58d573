package model

// ExportMetadata identifies the run a judged response belongs to.
// TopicID carries a numeric suffix ("9-1_2") so that repeated records for
// the same topic — including revisits after a recovery — stay unique in
// the export.
type ExportMetadata struct {
	TeamID       string `json:"team_id"`
	RunID        string `json:"run_id"`
	Type         string `json:"type"` // always "interactive"
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

// ExportRecord is one line of the NDJSON run dump: a single turn of a
// run reconstructed from the request log for downstream scoring.
type ExportRecord struct {
	Metadata   ExportMetadata     `json:"metadata"`
	Responses  []ExportResponse   `json:"responses"`
	References map[string]float64 `json:"references"`
}
