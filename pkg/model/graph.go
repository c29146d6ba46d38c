package model

import "time"

// GraphNode is an entity in the knowledge graph.
type GraphNode struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Mentions    []string          `json:"mentions,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// AddMention records a turn guid on the node, skipping duplicates.
func (n *GraphNode) AddMention(guid string) {
	for _, m := range n.Mentions {
		if m == guid {
			return
		}
	}
	n.Mentions = append(n.Mentions, guid)
}

// GraphEdge is a relationship between two nodes.
type GraphEdge struct {
	ID           string    `json:"id"`
	FromNodeID   string    `json:"from_node_id"`
	ToNodeID     string    `json:"to_node_id"`
	Relationship string    `json:"relationship"`
	Evidence     string    `json:"evidence"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GraphMetadata summarizes the stored graph.
type GraphMetadata struct {
	TotalNodes int       `json:"total_nodes"`
	TotalEdges int       `json:"total_edges"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
