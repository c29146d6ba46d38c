package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Profile names selectable at startup.
const (
	ProfileRealtime      = "realtime"
	ProfileBalanced      = "balanced"
	ProfileComprehensive = "comprehensive"
)

// GraphMode controls how much graph work a profile performs per turn.
type GraphMode string

const (
	GraphSkip  GraphMode = "skip"
	GraphFull  GraphMode = "full"
	GraphBatch GraphMode = "batch"
)

// Profile is a named tuple of concurrency and feature-level parameters.
type Profile struct {
	Workers      int
	MaxQueue     int
	GraphMode    GraphMode
	TaskDeadline time.Duration
}

var profiles = map[string]Profile{
	ProfileRealtime:      {Workers: 1, MaxQueue: 20, GraphMode: GraphSkip, TaskDeadline: 60 * time.Second},
	ProfileBalanced:      {Workers: 2, MaxQueue: 50, GraphMode: GraphFull, TaskDeadline: 300 * time.Second},
	ProfileComprehensive: {Workers: 4, MaxQueue: 200, GraphMode: GraphBatch, TaskDeadline: 600 * time.Second},
}

// ProfileByName resolves a profile; unknown names fail fast.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown performance profile %q", name)
	}
	return p, nil
}

type Config struct {
	Root      string          `json:"root" env:"MNEMO_ROOT"`
	Profile   string          `json:"profile" env:"PERFORMANCE_PROFILE" envDefault:""`
	Memory    MemoryConfig    `json:"memory"`
	Graph     GraphConfig     `json:"graph"`
	Providers ProvidersConfig `json:"providers"`
	Queue     QueueConfig     `json:"queue"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type MemoryConfig struct {
	MaxRecentConversationEntries int     `json:"max_recent_conversation_entries" env:"MNEMO_MEMORY_MAX_RECENT_ENTRIES"`
	ImportanceThreshold          int     `json:"importance_threshold" env:"MNEMO_MEMORY_IMPORTANCE_THRESHOLD"`
	RAGLimit                     int     `json:"rag_limit" env:"MNEMO_MEMORY_RAG_LIMIT"`
	ConsolidationThreshold       float64 `json:"consolidation_threshold" env:"MNEMO_MEMORY_CONSOLIDATION_THRESHOLD"`
	FullEntryEmbeddings          bool    `json:"full_entry_embeddings" env:"MNEMO_MEMORY_FULL_ENTRY_EMBEDDINGS"`
	PromptTemplateDir            string  `json:"prompt_template_dir" env:"MNEMO_MEMORY_PROMPT_TEMPLATE_DIR"`
}

type GraphConfig struct {
	Enabled             bool    `json:"enabled" env:"GRAPH_MEMORY_ENABLED"`
	SimilarityThreshold float64 `json:"similarity_threshold" env:"MNEMO_GRAPH_SIMILARITY_THRESHOLD"`
	MaxRAGCandidates    int     `json:"max_rag_candidates" env:"MNEMO_GRAPH_MAX_RAG_CANDIDATES"`
	InterProcess        bool    `json:"inter_process" env:"MNEMO_GRAPH_INTER_PROCESS"`
}

type ProvidersConfig struct {
	APIKey        string `json:"api_key" env:"MNEMO_PROVIDERS_API_KEY"`
	APIBase       string `json:"api_base" env:"MNEMO_PROVIDERS_API_BASE"`
	ChatModel     string `json:"chat_model" env:"MNEMO_PROVIDERS_CHAT_MODEL"`
	EmbedModel    string `json:"embed_model" env:"MNEMO_PROVIDERS_EMBED_MODEL"`
	LocalEmbedder bool   `json:"local_embedder" env:"MNEMO_PROVIDERS_LOCAL_EMBEDDER"`
}

type QueueConfig struct {
	EnqueueWaitMS    int    `json:"enqueue_wait_ms" env:"MNEMO_QUEUE_ENQUEUE_WAIT_MS"`
	ShutdownGraceMS  int    `json:"shutdown_grace_ms" env:"MNEMO_QUEUE_SHUTDOWN_GRACE_MS"`
	MaintenanceCron  string `json:"maintenance_cron" env:"MNEMO_QUEUE_MAINTENANCE_CRON"`
	LockTimeoutSecs  int    `json:"lock_timeout_secs" env:"MNEMO_QUEUE_LOCK_TIMEOUT_SECS"`
	WatchQueueEvents bool   `json:"watch_queue_events" env:"MNEMO_QUEUE_WATCH_EVENTS"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"MNEMO_METRICS_ENABLED"`
}

func DefaultConfig() *Config {
	return &Config{
		Root:    "~/.mnemo/sessions",
		Profile: ProfileBalanced,
		Memory: MemoryConfig{
			MaxRecentConversationEntries: 8,
			ImportanceThreshold:          3,
			RAGLimit:                     5,
			ConsolidationThreshold:       0.35,
			FullEntryEmbeddings:          false,
		},
		Graph: GraphConfig{
			Enabled:             true,
			SimilarityThreshold: 0.8,
			MaxRAGCandidates:    5,
			InterProcess:        false,
		},
		Providers: ProvidersConfig{
			LocalEmbedder: true,
		},
		Queue: QueueConfig{
			EnqueueWaitMS:    1000,
			ShutdownGraceMS:  5000,
			MaintenanceCron:  "*/5 * * * *",
			LockTimeoutSecs:  10,
			WatchQueueEvents: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// LoadConfig reads the JSON config file (missing file means defaults)
// and overlays environment variables on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileBalanced
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on values the rest of the system cannot work with.
func (c *Config) Validate() error {
	if _, err := ProfileByName(c.Profile); err != nil {
		return err
	}
	if c.Memory.MaxRecentConversationEntries <= 0 {
		return fmt.Errorf("max_recent_conversation_entries must be positive")
	}
	if c.Memory.ImportanceThreshold < 1 || c.Memory.ImportanceThreshold > 5 {
		return fmt.Errorf("importance_threshold must be in [1..5]")
	}
	if c.Memory.ConsolidationThreshold <= 0 || c.Memory.ConsolidationThreshold > 1 {
		return fmt.Errorf("consolidation_threshold must be in (0..1]")
	}
	if c.Graph.SimilarityThreshold < 0 || c.Graph.SimilarityThreshold > 1 {
		return fmt.Errorf("graph similarity_threshold must be in [0..1]")
	}
	return nil
}

// ResolvedProfile returns the parameters for the configured profile.
func (c *Config) ResolvedProfile() Profile {
	p, err := ProfileByName(c.Profile)
	if err != nil {
		p = profiles[ProfileBalanced]
	}
	return p
}

// RootPath expands a leading ~ in the session root.
func (c *Config) RootPath() string {
	return expandHome(c.Root)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
