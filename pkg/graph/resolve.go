package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/embeddings"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

const newNodeMarker = "<NEW>"

// Resolved is a candidate with its final node assignment.
type Resolved struct {
	Candidate
	NodeID        string
	Confidence    float64
	Justification string
	IsNew         bool
}

// Resolver decides whether candidates refer to existing nodes. It
// fetches similar nodes by vector similarity over node descriptions,
// then asks the model to resolve the whole batch in one call. A match
// is accepted automatically only at or above the confidence threshold.
type Resolver struct {
	svc       llm.Service
	prompts   *prompts.Set
	storage   *Storage
	nodeIndex *embeddings.Index
	threshold float64
	maxRAG    int
	logger    *log.Logger
}

func NewResolver(svc llm.Service, set *prompts.Set, storage *Storage, nodeIndex *embeddings.Index, threshold float64, maxRAG int, logger *log.Logger) *Resolver {
	if threshold <= 0 {
		threshold = 0.8
	}
	if maxRAG <= 0 {
		maxRAG = 5
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Resolver{
		svc:       svc,
		prompts:   set,
		storage:   storage,
		nodeIndex: nodeIndex,
		threshold: threshold,
		maxRAG:    maxRAG,
		logger:    logger.With("component", "graph.resolve"),
	}
}

type candidatePrompt struct {
	CandidateID     string            `json:"candidate_id"`
	Type            string            `json:"type"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	PossibleMatches []possibleMatchJS `json:"possible_matches"`
}

type possibleMatchJS struct {
	NodeID      string  `json:"node_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Similarity  float64 `json:"similarity"`
}

type resolution struct {
	CandidateID    string  `json:"candidate_id"`
	ResolvedNodeID string  `json:"resolved_node_id"`
	Justification  string  `json:"justification"`
	Confidence     float64 `json:"confidence"`
}

// Resolve assigns every candidate a node id. Candidates matching an
// existing (type, name) pair are deduped without a model call; the rest
// go through the RAG + resolution prompt. An error leaves the graph
// untouched.
func (r *Resolver) Resolve(ctx context.Context, candidates []Candidate) ([]Resolved, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	resolved := make([]Resolved, 0, len(candidates))
	var pending []Candidate
	for _, c := range candidates {
		if node, ok := r.storage.FindByTypeAndName(c.Type, c.Name); ok {
			c.Status = CandidateMatched
			resolved = append(resolved, Resolved{Candidate: c, NodeID: node.ID, Confidence: 1})
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return resolved, nil
	}

	promptCands := make([]candidatePrompt, 0, len(pending))
	for i := range pending {
		matches, err := r.similarNodes(ctx, pending[i])
		if err != nil {
			return nil, err
		}
		pending[i].Status = CandidateRAGFetched
		promptCands = append(promptCands, candidatePrompt{
			CandidateID:     pending[i].CandidateID,
			Type:            pending[i].Type,
			Name:            pending[i].Name,
			Description:     pending[i].Description,
			PossibleMatches: matches,
		})
	}

	resolutions, err := r.resolveBatch(ctx, promptCands)
	if err != nil {
		return nil, err
	}

	for _, c := range pending {
		c.Status = CandidateResolved
		res, ok := resolutions[c.CandidateID]
		if ok && res.ResolvedNodeID != "" && res.ResolvedNodeID != newNodeMarker && res.Confidence >= r.threshold {
			if _, exists := r.storage.Node(res.ResolvedNodeID); exists {
				c.Status = CandidateMatched
				resolved = append(resolved, Resolved{
					Candidate:     c,
					NodeID:        res.ResolvedNodeID,
					Confidence:    res.Confidence,
					Justification: res.Justification,
				})
				continue
			}
			r.logger.Warn("resolver returned unknown node id, promoting new", "node_id", res.ResolvedNodeID)
		}
		c.Status = CandidatePromoted
		out := Resolved{Candidate: c, NodeID: nodeID(c.Type, c.Name), IsNew: true}
		if ok {
			out.Confidence = res.Confidence
			out.Justification = res.Justification
		}
		resolved = append(resolved, out)
	}
	return resolved, nil
}

func (r *Resolver) similarNodes(ctx context.Context, c Candidate) ([]possibleMatchJS, error) {
	query := c.Description
	if query == "" {
		query = c.Name
	}
	hits, err := r.nodeIndex.Search(ctx, query, r.maxRAG, embeddings.Filters{Types: []string{c.Type}})
	if err != nil {
		return nil, fmt.Errorf("node similarity search: %w", err)
	}
	matches := make([]possibleMatchJS, 0, len(hits))
	for _, h := range hits {
		node, ok := r.storage.Node(h.Metadata.GUID)
		if !ok {
			continue
		}
		matches = append(matches, possibleMatchJS{
			NodeID:      node.ID,
			Name:        node.Name,
			Description: node.Description,
			Similarity:  h.Score,
		})
	}
	return matches, nil
}

func (r *Resolver) resolveBatch(ctx context.Context, cands []candidatePrompt) (map[string]resolution, error) {
	data, err := json.MarshalIndent(cands, "", "  ")
	if err != nil {
		return nil, err
	}
	prompt, err := r.prompts.Render(prompts.ResolveEntities, map[string]string{
		"candidates": string(data),
	})
	if err != nil {
		return nil, err
	}
	raw, err := r.svc.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0})
	if err != nil {
		return nil, fmt.Errorf("entity resolution call: %w", err)
	}

	var parsed []resolution
	if !llm.DecodeJSON(raw, &parsed) {
		r.logger.Warn("resolution output not parseable, promoting all candidates")
		return map[string]resolution{}, nil
	}
	out := make(map[string]resolution, len(parsed))
	for _, res := range parsed {
		if res.Confidence < 0 {
			res.Confidence = 0
		}
		if res.Confidence > 1 {
			res.Confidence = 1
		}
		out[res.CandidateID] = res
	}
	return out, nil
}

// IndexNode records a node's description vector so later candidates can
// find it. Re-indexing an already known node id is a no-op.
func (r *Resolver) IndexNode(ctx context.Context, node model.GraphNode) error {
	text := node.Description
	if text == "" {
		text = node.Name
	}
	return r.nodeIndex.Add(ctx, text, model.EmbeddingMetadata{
		GUID:      node.ID,
		Timestamp: node.CreatedAt,
		Type:      model.EmbeddingKind(node.Type),
	})
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func nodeID(nodeType, name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "_")
	slug = strings.Trim(slug, "_")
	return nodeType + "_" + slug
}
