package catalog

import "github.com/taiwa-eval/taiwa/internal/model"

// Dummy returns the built-in rehearsal catalog: two topics with short
// scripted agendas. Used by the "dummy" task for local bring-up and by
// the test suite.
func Dummy() *Catalog {
	topics := []model.Topic{
		{ID: "dummy1", Title: "Why is the sky blue?"},
		{ID: "dummy2", Title: "Why is the sky not green?"},
	}

	c := &Catalog{
		topics:   topics,
		byID:     make(map[string]model.Topic, len(topics)),
		personas: make(map[string]Persona, len(topics)),
	}
	for _, t := range topics {
		c.byID[t.ID] = t
	}

	c.personas["dummy1"] = Persona{
		UserID:     "dummy-user-1",
		TopicID:    "dummy1",
		Statements: []string{"I am curious about the physics of light."},
		Subtopics:  []string{"What is Rayleigh scattering?", "Why does the sky redden at sunset?"},
	}
	c.personas["dummy2"] = Persona{
		UserID:     "dummy-user-2",
		TopicID:    "dummy2",
		Statements: []string{"I prefer short answers."},
		Subtopics:  []string{"Why does green light not dominate the sky?"},
	}
	return c
}
