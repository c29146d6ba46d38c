package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, ProfileBalanced, cfg.Profile)
	require.Equal(t, 8, cfg.Memory.MaxRecentConversationEntries)
	require.Equal(t, 0.35, cfg.Memory.ConsolidationThreshold)
}

func TestLoadConfig_FileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(path, []byte(`{"profile":"realtime","memory":{"rag_limit":3}}`), 0o644)
	require.NoError(t, err)
	t.Setenv("PERFORMANCE_PROFILE", "comprehensive")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ProfileComprehensive, cfg.Profile, "env must win over file")
	require.Equal(t, 3, cfg.Memory.RAGLimit, "file values outside the env overlay must survive")
}

func TestLoadConfig_UnknownProfileFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(path, []byte(`{"profile":"turbo"}`), 0o644)
	require.NoError(t, err)

	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestProfileParameters(t *testing.T) {
	cases := []struct {
		name     string
		workers  int
		maxQueue int
		deadline time.Duration
	}{
		{ProfileRealtime, 1, 20, 60 * time.Second},
		{ProfileBalanced, 2, 50, 300 * time.Second},
		{ProfileComprehensive, 4, 200, 600 * time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := ProfileByName(c.name)
			require.NoError(t, err)
			require.Equal(t, c.workers, p.Workers)
			require.Equal(t, c.maxQueue, p.MaxQueue)
			require.Equal(t, c.deadline, p.TaskDeadline)
		})
	}

	_, err := ProfileByName("turbo")
	require.Error(t, err)
}

func TestLoadDomain_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.toml")
	doc := `
domain_name = "lost_valley"
initial_data = "Setting: Lost Valley. Central town: Haven, mayor Elena."

[domain_specific_prompt_instructions]
query = "Answer as the narrator."
update = "Summarize plainly."

[graph_memory_config]
enabled = true
entity_types = ["character", "location"]
relationship_types = ["mayor_of", "located_in"]
similarity_threshold = 0.8

[topic_normalizations]
quests = "quest"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	dom, err := LoadDomain(path)
	require.NoError(t, err)
	require.Equal(t, "lost_valley", dom.DomainName)
	require.Equal(t, "Answer as the narrator.", dom.PromptInstructions.Query)
	require.Equal(t, []string{"character", "location"}, dom.GraphMemory.EntityTypes)
	require.Equal(t, "quest", dom.NormalizeTopic("quests"))
	require.Equal(t, "reward", dom.NormalizeTopic("reward"), "unmapped topics pass through")
}

func TestLoadDomain_InvalidThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.toml")
	doc := `
domain_name = "broken"
[graph_memory_config]
similarity_threshold = 1.5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := LoadDomain(path)
	require.Error(t, err)
}

func TestLoadDomain_MissingFileUsesDefault(t *testing.T) {
	dom, err := LoadDomain(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, 0.8, dom.GraphMemory.SimilarityThreshold)
	require.True(t, dom.GraphMemory.Enabled)
}
