// Package catalog loads the static topic catalog and the per-topic
// simulated-user personas for an evaluation task.
//
// The catalog is read-only after Load. Consumers that need a private
// working copy (every run needs its own open-topic queue) must copy it;
// Topics returns a fresh slice on every call for that reason.
package catalog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/taiwa-eval/taiwa/internal/model"
)

// Persona describes the simulated user assigned to a topic: who they
// are (statements) and the ordered sub-questions they want answered.
type Persona struct {
	UserID     string
	TopicID    string
	Statements []string
	Subtopics  []string
}

// Catalog is the ordered, immutable topic list plus persona data.
type Catalog struct {
	topics   []model.Topic
	byID     map[string]model.Topic
	personas map[string]Persona
}

// topicFile mirrors one entry of the topics JSON file.
type topicFile struct {
	Number string `json:"number"`
	Title  string `json:"title"`
}

// Load reads topics from a JSON file and personas from a
// semicolon-delimited CSV file.
//
// Topics JSON: an array of {"number": "9-1", "title": "..."} objects,
// in catalog order. Persona CSV rows: user id; persona statements
// (pipe-separated); one column per subtopic, in agenda order. The topic
// id is derived from the user id ("Persona_9_1" -> "9-1").
func Load(topicsPath, personasPath string) (*Catalog, error) {
	data, err := os.ReadFile(topicsPath) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("catalog: read topics: %w", err)
	}

	var entries []topicFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("catalog: parse topics: %w", err)
	}

	c := &Catalog{
		byID:     make(map[string]model.Topic, len(entries)),
		personas: make(map[string]Persona),
	}
	for _, e := range entries {
		if e.Number == "" {
			return nil, fmt.Errorf("catalog: topic with empty identifier")
		}
		if _, dup := c.byID[e.Number]; dup {
			return nil, fmt.Errorf("catalog: duplicate topic identifier %q", e.Number)
		}
		t := model.Topic{ID: e.Number, Title: e.Title}
		c.topics = append(c.topics, t)
		c.byID[t.ID] = t
	}
	if len(c.topics) == 0 {
		return nil, fmt.Errorf("catalog: no topics in %s", topicsPath)
	}

	if personasPath != "" {
		if err := c.loadPersonas(personasPath); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) loadPersonas(path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return fmt.Errorf("catalog: open personas: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("catalog: parse personas: %w", err)
	}
	if len(rows) < 2 {
		return fmt.Errorf("catalog: personas file has no data rows")
	}

	for _, row := range rows[1:] { // skip header
		if len(row) < 3 {
			return fmt.Errorf("catalog: persona row needs user id, statements and at least one subtopic")
		}
		userID := strings.TrimSpace(row[0])
		topicID := TopicIDForUser(userID)
		if _, ok := c.byID[topicID]; !ok {
			return fmt.Errorf("catalog: persona %q references unknown topic %q", userID, topicID)
		}

		var statements []string
		for _, s := range strings.Split(row[1], "|") {
			if s = strings.TrimSpace(s); s != "" {
				statements = append(statements, s)
			}
		}

		var subtopics []string
		for _, s := range row[2:] {
			if s = strings.TrimSpace(s); s != "" {
				subtopics = append(subtopics, s)
			}
		}
		if len(subtopics) == 0 {
			return fmt.Errorf("catalog: persona %q has an empty subtopic agenda", userID)
		}

		c.personas[topicID] = Persona{
			UserID:     userID,
			TopicID:    topicID,
			Statements: statements,
			Subtopics:  subtopics,
		}
	}
	return nil
}

// TopicIDForUser derives the topic identifier from a persona user id,
// e.g. "Persona_9_1" -> "9-1".
func TopicIDForUser(userID string) string {
	id := strings.TrimPrefix(userID, "Persona_")
	return strings.TrimSpace(strings.ReplaceAll(id, "_", "-"))
}

// Topics returns the catalog topics in stable order. The slice is a copy.
func (c *Catalog) Topics() []model.Topic {
	out := make([]model.Topic, len(c.topics))
	copy(out, c.topics)
	return out
}

// Topic looks up a topic by identifier.
func (c *Catalog) Topic(id string) (model.Topic, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Persona returns the persona assigned to a topic, if any.
func (c *Catalog) Persona(topicID string) (Persona, bool) {
	p, ok := c.personas[topicID]
	return p, ok
}

// Len returns the number of topics.
func (c *Catalog) Len() int { return len(c.topics) }
