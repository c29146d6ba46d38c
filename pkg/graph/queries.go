package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/mnemo/pkg/embeddings"
	"github.com/dotsetgreg/mnemo/pkg/model"
)

// Neighbors returns the nodes reachable over outgoing edges from the
// given node, paired with the connecting edge.
type Neighbor struct {
	Node model.GraphNode
	Edge model.GraphEdge
}

func (p *Processor) Neighbors(nodeID string, limit int) []Neighbor {
	edges := p.storage.OutgoingEdges(nodeID, limit)
	out := make([]Neighbor, 0, len(edges))
	for _, e := range edges {
		if node, ok := p.storage.Node(e.ToNodeID); ok {
			out = append(out, Neighbor{Node: node, Edge: e})
		}
	}
	return out
}

// FindByName looks a node up by its display name.
func (p *Processor) FindByName(name string) (model.GraphNode, bool) {
	return p.storage.FindByName(name)
}

// ContextForQuery renders up to limit graph-context lines for a query:
// the semantically closest entities, each with its top outgoing
// relationships.
func (p *Processor) ContextForQuery(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	hits, err := p.resolver.nodeIndex.Search(ctx, query, limit, embeddings.Filters{})
	if err != nil {
		return nil, err
	}
	return p.renderHits(hits), nil
}

// ContextForQueryVector is ContextForQuery with a precomputed query
// vector, so callers embedding the query once can reuse it here.
func (p *Processor) ContextForQueryVector(vec []float32, limit int) []string {
	if limit <= 0 {
		limit = 5
	}
	return p.renderHits(p.resolver.nodeIndex.SearchVector(vec, limit, embeddings.Filters{}))
}

func (p *Processor) renderHits(hits []embeddings.Result) []string {
	var lines []string
	for _, h := range hits {
		node, ok := p.storage.Node(h.Metadata.GUID)
		if !ok {
			continue
		}
		line := fmt.Sprintf("%s (%s): %s", node.Name, node.Type, node.Description)
		var rels []string
		for _, n := range p.Neighbors(node.ID, 3) {
			rels = append(rels, fmt.Sprintf("%s %s", n.Edge.Relationship, n.Node.Name))
		}
		if len(rels) > 0 {
			line += " [" + strings.Join(rels, "; ") + "]"
		}
		lines = append(lines, line)
	}
	return lines
}
