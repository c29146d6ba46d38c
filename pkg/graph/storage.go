// Package graph maintains the knowledge graph: entity nodes, relationship
// edges, and the extraction/resolution pipeline that feeds them.
package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/store"
)

const (
	nodesFile    = "graph_nodes.json"
	edgesFile    = "graph_edges.json"
	metadataFile = "graph_metadata.json"
)

// Storage holds the graph in memory and persists it atomically as three
// JSON files. Node lookup by id is O(1); edge lookup by triple is a
// linear scan.
type Storage struct {
	dir    string
	logger *log.Logger

	mu    sync.RWMutex
	nodes map[string]*model.GraphNode
	edges []model.GraphEdge
	meta  model.GraphMetadata
}

func OpenStorage(dir string, logger *log.Logger) (*Storage, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create graph dir: %w", err)
	}
	st := &Storage{
		dir:    dir,
		logger: logger.With("component", "graph"),
		nodes:  make(map[string]*model.GraphNode),
		meta:   model.GraphMetadata{CreatedAt: time.Now().UTC()},
	}
	if err := st.load(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *Storage) load() error {
	if data, err := os.ReadFile(filepath.Join(st.dir, nodesFile)); err == nil {
		if err := json.Unmarshal(data, &st.nodes); err != nil {
			return fmt.Errorf("parse %s: %w", nodesFile, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if data, err := os.ReadFile(filepath.Join(st.dir, edgesFile)); err == nil {
		if err := json.Unmarshal(data, &st.edges); err != nil {
			return fmt.Errorf("parse %s: %w", edgesFile, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if data, err := os.ReadFile(filepath.Join(st.dir, metadataFile)); err == nil {
		if err := json.Unmarshal(data, &st.meta); err != nil {
			return fmt.Errorf("parse %s: %w", metadataFile, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Save writes nodes, edges, and metadata atomically.
func (st *Storage) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.meta.TotalNodes = len(st.nodes)
	st.meta.TotalEdges = len(st.edges)
	st.meta.UpdatedAt = time.Now().UTC()

	if err := store.WriteJSONAtomic(filepath.Join(st.dir, nodesFile), st.nodes); err != nil {
		return err
	}
	if err := store.WriteJSONAtomic(filepath.Join(st.dir, edgesFile), st.edges); err != nil {
		return err
	}
	return store.WriteJSONAtomic(filepath.Join(st.dir, metadataFile), st.meta)
}

// Node returns a copy of the node with the given id.
func (st *Storage) Node(id string) (model.GraphNode, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n, ok := st.nodes[id]
	if !ok {
		return model.GraphNode{}, false
	}
	return *n, true
}

// Nodes returns copies of every node.
func (st *Storage) Nodes() []model.GraphNode {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]model.GraphNode, 0, len(st.nodes))
	for _, n := range st.nodes {
		out = append(out, *n)
	}
	return out
}

// FindByName returns the first node whose name matches case-insensitively.
func (st *Storage) FindByName(name string) (model.GraphNode, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, n := range st.nodes {
		if strings.ToLower(n.Name) == name {
			return *n, true
		}
	}
	return model.GraphNode{}, false
}

// FindByTypeAndName matches on (type, case-folded name), the identity
// used for node dedupe.
func (st *Storage) FindByTypeAndName(nodeType, name string) (model.GraphNode, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, n := range st.nodes {
		if n.Type == nodeType && strings.ToLower(n.Name) == name {
			return *n, true
		}
	}
	return model.GraphNode{}, false
}

// UpsertNode inserts or replaces a node, refreshing timestamps and
// preserving accumulated mentions on replace.
func (st *Storage) UpsertNode(n model.GraphNode) {
	now := time.Now().UTC()
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.nodes[n.ID]; ok {
		for _, guid := range existing.Mentions {
			n.AddMention(guid)
		}
		n.CreatedAt = existing.CreatedAt
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	st.nodes[n.ID] = &n
}

// AddMention records a turn guid on an existing node.
func (st *Storage) AddMention(nodeID, guid string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if n, ok := st.nodes[nodeID]; ok {
		n.AddMention(guid)
		n.UpdatedAt = time.Now().UTC()
	}
}

// Edges returns a copy of the edge list.
func (st *Storage) Edges() []model.GraphEdge {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]model.GraphEdge, len(st.edges))
	copy(out, st.edges)
	return out
}

// UpsertEdge inserts the edge, or, when the (from, to, relationship)
// triple already exists, refreshes its evidence and keeps the higher
// confidence.
func (st *Storage) UpsertEdge(e model.GraphEdge) {
	now := time.Now().UTC()
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.edges {
		ex := &st.edges[i]
		if ex.FromNodeID == e.FromNodeID && ex.ToNodeID == e.ToNodeID && ex.Relationship == e.Relationship {
			if e.Evidence != "" {
				ex.Evidence = e.Evidence
			}
			if e.Confidence > ex.Confidence {
				ex.Confidence = e.Confidence
			}
			ex.UpdatedAt = now
			return
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	st.edges = append(st.edges, e)
}

// OutgoingEdges returns up to limit edges leaving the node, most
// confident first.
func (st *Storage) OutgoingEdges(nodeID string, limit int) []model.GraphEdge {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []model.GraphEdge
	for _, e := range st.edges {
		if e.FromNodeID == nodeID {
			out = append(out, e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Confidence > out[j-1].Confidence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Metadata returns the current counts and timestamps.
func (st *Storage) Metadata() model.GraphMetadata {
	st.mu.RLock()
	defer st.mu.RUnlock()
	meta := st.meta
	meta.TotalNodes = len(st.nodes)
	meta.TotalEdges = len(st.edges)
	return meta
}
