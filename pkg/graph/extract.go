package graph

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

// CandidateStatus tracks a candidate through resolution.
type CandidateStatus string

const (
	CandidateNew        CandidateStatus = "new"
	CandidateRAGFetched CandidateStatus = "rag_candidates_fetched"
	CandidateResolved   CandidateStatus = "llm_resolved"
	CandidateMatched    CandidateStatus = "matched_existing"
	CandidatePromoted   CandidateStatus = "promoted_new"
	CandidateFailed     CandidateStatus = "failed"
)

// Candidate is an entity mention extracted from one turn, before
// resolution against the existing graph.
type Candidate struct {
	CandidateID      string
	Type             string
	Name             string
	Description      string
	ConversationGUID string
	Status           CandidateStatus
}

// EntityExtractor finds candidate entities in conversation text with a
// single model call.
type EntityExtractor struct {
	svc     llm.Service
	prompts *prompts.Set
	domain  *config.DomainConfig
	logger  *log.Logger
}

func NewEntityExtractor(svc llm.Service, set *prompts.Set, domain *config.DomainConfig, logger *log.Logger) *EntityExtractor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &EntityExtractor{
		svc:     svc,
		prompts: set,
		domain:  domain,
		logger:  logger.With("component", "graph.extract"),
	}
}

type rawEntity struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Extract returns the candidates found in the turn. Malformed model
// output yields an empty candidate list, not an error; only the model
// call itself can fail.
func (x *EntityExtractor) Extract(ctx context.Context, conversationText, digestText, conversationGUID string) ([]Candidate, error) {
	prompt, err := x.prompts.Render(prompts.ExtractEntities, map[string]string{
		"entity_types":      strings.Join(x.domain.GraphMemory.EntityTypes, ", "),
		"conversation_text": conversationText,
		"digest_text":       digestText,
	})
	if err != nil {
		return nil, err
	}
	raw, err := x.svc.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0})
	if err != nil {
		return nil, fmt.Errorf("entity extraction call: %w", err)
	}

	var entities []rawEntity
	if !llm.DecodeJSON(raw, &entities) {
		x.logger.Warn("entity extraction output not parseable", "guid", conversationGUID)
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(entities))
	for _, e := range entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		entityType := strings.ToLower(strings.TrimSpace(e.Type))
		if !x.allowedType(entityType) {
			x.logger.Debug("dropping entity with unknown type", "name", name, "type", entityType)
			continue
		}
		candidates = append(candidates, Candidate{
			CandidateID:      fmt.Sprintf("cand_%d", len(candidates)+1),
			Type:             entityType,
			Name:             name,
			Description:      strings.TrimSpace(e.Description),
			ConversationGUID: conversationGUID,
			Status:           CandidateNew,
		})
	}
	return candidates, nil
}

func (x *EntityExtractor) allowedType(entityType string) bool {
	if len(x.domain.GraphMemory.EntityTypes) == 0 {
		return true
	}
	for _, t := range x.domain.GraphMemory.EntityTypes {
		if strings.EqualFold(t, entityType) {
			return true
		}
	}
	return false
}
