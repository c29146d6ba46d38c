package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DomainConfig describes the world the memory subsystem operates in:
// seed text, prompt instructions, and the graph vocabulary.
type DomainConfig struct {
	DomainName         string             `toml:"domain_name"`
	InitialData        string             `toml:"initial_data"`
	PromptInstructions PromptInstructions `toml:"domain_specific_prompt_instructions"`
	GraphMemory        GraphMemoryConfig  `toml:"graph_memory_config"`
	TopicTaxonomy      []string           `toml:"topic_taxonomy,omitempty"`
	TopicNormalization map[string]string  `toml:"topic_normalizations,omitempty"`
}

type PromptInstructions struct {
	Query  string `toml:"query"`
	Update string `toml:"update"`
}

type GraphMemoryConfig struct {
	Enabled             bool     `toml:"enabled"`
	EntityTypes         []string `toml:"entity_types"`
	RelationshipTypes   []string `toml:"relationship_types"`
	SimilarityThreshold float64  `toml:"similarity_threshold"`
}

// DefaultDomain is used when no domain file is supplied.
func DefaultDomain() *DomainConfig {
	return &DomainConfig{
		DomainName: "general",
		GraphMemory: GraphMemoryConfig{
			Enabled:             true,
			EntityTypes:         []string{"person", "location", "object", "organization", "concept"},
			RelationshipTypes:   []string{"located_in", "owns", "knows", "part_of", "related_to"},
			SimilarityThreshold: 0.8,
		},
	}
}

// LoadDomain reads a TOML domain file. A missing path returns the
// default domain; a malformed file is a startup error.
func LoadDomain(path string) (*DomainConfig, error) {
	if path == "" {
		return DefaultDomain(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDomain(), nil
		}
		return nil, err
	}
	dom := DefaultDomain()
	if err := toml.Unmarshal(data, dom); err != nil {
		return nil, fmt.Errorf("parse domain config %s: %w", path, err)
	}
	if dom.GraphMemory.SimilarityThreshold <= 0 || dom.GraphMemory.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("domain %s: similarity_threshold must be in (0..1]", dom.DomainName)
	}
	return dom, nil
}

// NormalizeTopic maps a raw topic tag through the domain normalization
// table, falling back to the raw tag.
func (d *DomainConfig) NormalizeTopic(topic string) string {
	if d == nil || len(d.TopicNormalization) == 0 {
		return topic
	}
	if mapped, ok := d.TopicNormalization[topic]; ok {
		return mapped
	}
	return topic
}
