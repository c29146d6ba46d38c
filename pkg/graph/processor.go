package graph

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/embeddings"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

const nodeEmbeddingsFile = "node_embeddings.jsonl"

// Processor runs the graph pipeline for one turn:
// filter segments, extract entities, resolve, extract relationships,
// save. Process is serialized per session.
type Processor struct {
	storage   *Storage
	extractor *EntityExtractor
	resolver  *Resolver
	relations *RelationshipExtractor
	logger    *log.Logger
	mu        sync.Mutex
}

func NewProcessor(dir string, svc llm.Service, embedder llm.Embedder, set *prompts.Set, domain *config.DomainConfig, logger *log.Logger) (*Processor, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	storage, err := OpenStorage(dir, logger)
	if err != nil {
		return nil, err
	}
	nodeIndex, err := embeddings.Open(filepath.Join(dir, nodeEmbeddingsFile), embedder, logger)
	if err != nil {
		return nil, err
	}
	threshold := domain.GraphMemory.SimilarityThreshold
	return &Processor{
		storage:   storage,
		extractor: NewEntityExtractor(svc, set, domain, logger),
		resolver:  NewResolver(svc, set, storage, nodeIndex, threshold, 5, logger),
		relations: NewRelationshipExtractor(svc, set, domain, logger),
		logger:    logger.With("component", "graph"),
	}, nil
}

// Storage exposes the underlying graph store for queries and tests.
func (p *Processor) Storage() *Storage { return p.storage }

// Process updates the graph from one digested turn. A turn without a
// digest, or with no segment worth remembering, is a no-op. Any failure
// aborts the update without corrupting disk state; the caller keeps the
// turn queued for retry.
func (p *Processor) Process(ctx context.Context, turn model.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if turn.Digest == nil {
		return nil
	}
	filtered := filterSegments(turn.Digest.Segments)
	if len(filtered) == 0 {
		return nil
	}
	digestText := renderSegments(filtered)

	candidates, err := p.extractor.Extract(ctx, turn.Content, digestText, turn.GUID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	resolved, err := p.resolver.Resolve(ctx, candidates)
	if err != nil {
		return err
	}

	for _, r := range resolved {
		if r.IsNew {
			node := model.GraphNode{
				ID:          r.NodeID,
				Name:        r.Name,
				Type:        r.Type,
				Description: r.Description,
			}
			p.storage.UpsertNode(node)
			if err := p.resolver.IndexNode(ctx, node); err != nil {
				p.logger.Warn("node indexing failed", "node", r.NodeID, "err", err)
			}
		}
		p.storage.AddMention(r.NodeID, r.ConversationGUID)
	}
	if err := p.storage.Save(); err != nil {
		return fmt.Errorf("save nodes: %w", err)
	}

	edges, err := p.relations.Extract(ctx, turn.Content, digestText, resolved)
	if err != nil {
		return err
	}
	for _, e := range edges {
		p.storage.UpsertEdge(e)
	}
	if err := p.storage.Save(); err != nil {
		return fmt.Errorf("save edges: %w", err)
	}

	p.logger.Debug("graph updated",
		"guid", turn.GUID, "entities", len(resolved), "edges", len(edges))
	return nil
}

// filterSegments keeps what the graph should learn from: important,
// memory-worthy information and actions.
func filterSegments(segments []model.Segment) []model.Segment {
	var out []model.Segment
	for _, s := range segments {
		if s.Importance < model.DefaultImportance || !s.MemoryWorthy {
			continue
		}
		if s.Type != model.SegmentInformation && s.Type != model.SegmentAction {
			continue
		}
		out = append(out, s)
	}
	return out
}

func renderSegments(segments []model.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&b, "- [!%d] %s\n", s.Importance, s.Text)
	}
	return b.String()
}
