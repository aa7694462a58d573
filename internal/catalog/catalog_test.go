package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	c, err := Load(
		filepath.Join("testdata", "topics.json"),
		filepath.Join("testdata", "personas.csv"),
	)
	require.NoError(t, err)

	topics := c.Topics()
	require.Len(t, topics, 3)
	assert.Equal(t, "9-1", topics[0].ID)
	assert.Equal(t, "9-2", topics[1].ID)
	assert.Equal(t, "10-1", topics[2].ID)
	assert.Equal(t, "Finding a diet for my family", topics[0].Title)

	p, ok := c.Persona("9-1")
	require.True(t, ok)
	assert.Equal(t, "Persona_9_1", p.UserID)
	assert.Len(t, p.Statements, 2)
	assert.Len(t, p.Subtopics, 3)
	assert.Equal(t, "What is a balanced vegetarian diet?", p.Subtopics[0])

	p, ok = c.Persona("10-1")
	require.True(t, ok)
	assert.Len(t, p.Subtopics, 1)
}

func TestLoadTopicsOnly(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "topics.json"), "")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	_, ok := c.Persona("9-1")
	assert.False(t, ok)
}

func TestTopicsReturnsCopy(t *testing.T) {
	c := Dummy()
	topics := c.Topics()
	topics[0].ID = "mutated"

	fresh := c.Topics()
	assert.Equal(t, "dummy1", fresh[0].ID)
}

func TestTopicIDForUser(t *testing.T) {
	assert.Equal(t, "9-1", TopicIDForUser("Persona_9_1"))
	assert.Equal(t, "10-2", TopicIDForUser("Persona_10_2"))
	assert.Equal(t, "plain", TopicIDForUser("plain"))
}

func TestDummy(t *testing.T) {
	c := Dummy()
	require.Equal(t, 2, c.Len())

	p, ok := c.Persona("dummy1")
	require.True(t, ok)
	assert.Len(t, p.Subtopics, 2)

	_, ok = c.Topic("dummy2")
	assert.True(t, ok)
}
