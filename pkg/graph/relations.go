package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

// RelationshipExtractor finds edges between already-resolved entities
// with a single model call.
type RelationshipExtractor struct {
	svc     llm.Service
	prompts *prompts.Set
	domain  *config.DomainConfig
	logger  *log.Logger
}

func NewRelationshipExtractor(svc llm.Service, set *prompts.Set, domain *config.DomainConfig, logger *log.Logger) *RelationshipExtractor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &RelationshipExtractor{
		svc:     svc,
		prompts: set,
		domain:  domain,
		logger:  logger.With("component", "graph.relations"),
	}
}

type rawRelationship struct {
	FromEntityID string  `json:"from_entity_id"`
	ToEntityID   string  `json:"to_entity_id"`
	Relationship string  `json:"relationship"`
	Evidence     string  `json:"evidence"`
	Confidence   float64 `json:"confidence"`
}

type entityPrompt struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Extract returns validated edges among the resolved entities. Edges
// naming unknown ids or relationship labels outside the domain
// vocabulary are dropped; confidence is clamped to [0,1].
func (x *RelationshipExtractor) Extract(ctx context.Context, conversationText, digestText string, resolved []Resolved) ([]model.GraphEdge, error) {
	if len(resolved) < 2 {
		return nil, nil
	}

	known := make(map[string]struct{}, len(resolved))
	ents := make([]entityPrompt, 0, len(resolved))
	for _, r := range resolved {
		known[r.NodeID] = struct{}{}
		ents = append(ents, entityPrompt{
			ID:          r.NodeID,
			Type:        r.Type,
			Name:        r.Name,
			Description: r.Description,
		})
	}
	entJSON, err := json.MarshalIndent(ents, "", "  ")
	if err != nil {
		return nil, err
	}

	prompt, err := x.prompts.Render(prompts.ExtractRelationships, map[string]string{
		"relationship_types": strings.Join(x.domain.GraphMemory.RelationshipTypes, ", "),
		"entities":           string(entJSON),
		"conversation_text":  conversationText,
		"digest_text":        digestText,
	})
	if err != nil {
		return nil, err
	}
	raw, err := x.svc.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0})
	if err != nil {
		return nil, fmt.Errorf("relationship extraction call: %w", err)
	}

	var rels []rawRelationship
	if !llm.DecodeJSON(raw, &rels) {
		x.logger.Warn("relationship output not parseable")
		return nil, nil
	}

	edges := make([]model.GraphEdge, 0, len(rels))
	for _, rel := range rels {
		if _, ok := known[rel.FromEntityID]; !ok {
			continue
		}
		if _, ok := known[rel.ToEntityID]; !ok {
			continue
		}
		if !x.allowedRelationship(rel.Relationship) {
			x.logger.Debug("dropping unknown relationship label", "relationship", rel.Relationship)
			continue
		}
		if rel.Confidence < 0 {
			rel.Confidence = 0
		}
		if rel.Confidence > 1 {
			rel.Confidence = 1
		}
		edges = append(edges, model.GraphEdge{
			ID:           uuid.NewString(),
			FromNodeID:   rel.FromEntityID,
			ToNodeID:     rel.ToEntityID,
			Relationship: rel.Relationship,
			Evidence:     strings.TrimSpace(rel.Evidence),
			Confidence:   rel.Confidence,
		})
	}
	return edges, nil
}

func (x *RelationshipExtractor) allowedRelationship(label string) bool {
	if len(x.domain.GraphMemory.RelationshipTypes) == 0 {
		return true
	}
	for _, t := range x.domain.GraphMemory.RelationshipTypes {
		if strings.EqualFold(t, label) {
			return true
		}
	}
	return false
}
