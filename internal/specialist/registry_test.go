package specialist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogOrder(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	reg, err := c.Build(llm.Unavailable{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []Tag{TagPlanner, TagAnalyst, TagMotivator, TagDeveloper, TagResearcher, TagCommunicator}, reg.Tags())
	require.NotNil(t, reg.Coordinator())
	assert.Equal(t, TagCoordinator, reg.Coordinator().Tag())
	assert.Equal(t, "Daily Planner", reg.DisplayName(TagPlanner))
	assert.Equal(t, "Head Manager", reg.DisplayName(TagCoordinator))
}

func TestParseCatalogRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "  "},
		{"no specialists", "coordinator: {system_prompt: x}\nspecialists: []\n"},
		{"unknown tag", "coordinator: {system_prompt: x}\nspecialists:\n  - {tag: oracle, name: O, triggers: [a], system_prompt: p}\n"},
		{"duplicate", "coordinator: {system_prompt: x}\nspecialists:\n  - {tag: planner, name: P, triggers: [a], system_prompt: p}\n  - {tag: planner, name: Q, triggers: [b], system_prompt: p}\n"},
		{"no triggers", "coordinator: {system_prompt: x}\nspecialists:\n  - {tag: planner, name: P, system_prompt: p}\n"},
		{"blank triggers", "coordinator: {system_prompt: x}\nspecialists:\n  - {tag: planner, name: P, triggers: [\" \", \"\"], system_prompt: p}\n"},
		{"no coordinator", "specialists:\n  - {tag: planner, name: P, triggers: [a], system_prompt: p}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "specialists.yaml")
	content := "coordinator: {name: Lead, system_prompt: lead}\nspecialists:\n  - {tag: developer, name: Dev, triggers: [Code, ' Bug '], system_prompt: dev}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	reg, err := c.Build(llm.Unavailable{}, nil)
	require.NoError(t, err)

	dev, ok := reg.Get(TagDeveloper)
	require.True(t, ok)
	assert.Equal(t, []string{"code", "bug"}, dev.Triggers())
	_, ok = reg.Get(TagPlanner)
	assert.False(t, ok)
}

func TestLLMSpecialistHandle(t *testing.T) {
	var gotSystem, gotUser string
	gen := llm.GeneratorFunc(func(_ context.Context, system, user string, _ llm.Options) (string, error) {
		gotSystem, gotUser = system, user
		return "do the report first", nil
	})
	s := NewLLMSpecialist(Definition{Tag: TagPlanner, Name: "Planner", Triggers: []string{"plan"}, SystemPrompt: " plan well \n"}, gen, nil)

	reply, err := s.Handle(context.Background(), "U1", "plan my day")
	require.NoError(t, err)
	assert.Equal(t, "do the report first", reply)
	assert.Equal(t, "plan well", gotSystem)
	assert.Equal(t, "plan my day", gotUser)
}

func TestLLMSpecialistHandleKeepsErrorKind(t *testing.T) {
	s := NewLLMSpecialist(Definition{Tag: TagAnalyst, Name: "A", Triggers: []string{"x"}, SystemPrompt: "p"}, llm.Unavailable{}, nil)
	_, err := s.Handle(context.Background(), "U1", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstream))
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	a := NewLLMSpecialist(Definition{Tag: TagPlanner, Name: "A"}, llm.Unavailable{}, nil)
	b := NewLLMSpecialist(Definition{Tag: TagPlanner, Name: "B"}, llm.Unavailable{}, nil)
	_, err := NewRegistry(nil, a, b)
	assert.Error(t, err)

	_, err = NewRegistry(nil)
	assert.Error(t, err)
}

func TestRegistryAllIsCopy(t *testing.T) {
	a := NewLLMSpecialist(Definition{Tag: TagPlanner, Name: "A"}, llm.Unavailable{}, nil)
	reg, err := NewRegistry(nil, a)
	require.NoError(t, err)

	all := reg.All()
	all[0] = nil
	assert.NotNil(t, reg.All()[0])
}
