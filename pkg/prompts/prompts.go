// Package prompts loads the prompt templates the memory core renders
// before each model call. Built-in templates are embedded; a directory
// of overrides may replace any of them by name.
package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.txt
var builtin embed.FS

// Template names referenced by the core.
const (
	SegmentConversation  = "segment_conversation"
	RateSegments         = "rate_segments"
	CompressMemory       = "compress_memory"
	QueryMemory          = "query_memory"
	ExtractEntities      = "extract_entities"
	ExtractRelationships = "extract_relationships"
	ResolveEntities      = "resolve_entities"
)

var names = []string{
	SegmentConversation,
	RateSegments,
	CompressMemory,
	QueryMemory,
	ExtractEntities,
	ExtractRelationships,
	ResolveEntities,
}

// Set holds the loaded templates.
type Set struct {
	templates map[string]string
}

// Load reads the built-in templates, then applies overrides from
// overrideDir (one <name>.txt per template) when the directory is set.
// An unreadable override file is a startup error.
func Load(overrideDir string) (*Set, error) {
	set := &Set{templates: make(map[string]string, len(names))}
	for _, name := range names {
		data, err := builtin.ReadFile(filepath.Join("templates", name+".txt"))
		if err != nil {
			return nil, fmt.Errorf("builtin template %s: %w", name, err)
		}
		set.templates[name] = string(data)
	}
	if overrideDir == "" {
		return set, nil
	}
	for _, name := range names {
		path := filepath.Join(overrideDir, name+".txt")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("template override %s: %w", path, err)
		}
		set.templates[name] = string(data)
	}
	return set, nil
}

// Render substitutes {placeholder} variables into the named template.
// An unknown template name is an error; unknown placeholders are left
// in place so they show up in the prompt during development.
func (s *Set) Render(name string, vars map[string]string) (string, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	out := tmpl
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out, nil
}
