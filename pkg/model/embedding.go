package model

import (
	"fmt"
	"time"
)

// EmbeddingKind distinguishes per-segment records from whole-turn records.
type EmbeddingKind string

const (
	EmbeddingSegment   EmbeddingKind = "segment"
	EmbeddingFullEntry EmbeddingKind = "full_entry"
)

// EmbeddingMetadata describes where an embedded text came from.
type EmbeddingMetadata struct {
	GUID         string        `json:"guid"`
	Timestamp    time.Time     `json:"timestamp"`
	Role         Role          `json:"role"`
	Type         EmbeddingKind `json:"type"`
	SegmentIndex int           `json:"segment_index"`
	Importance   int           `json:"importance"`
	Topics       []string      `json:"topics,omitempty"`
	Text         string        `json:"text"`
}

// EmbeddingRecord is one line of the embeddings JSONL file. The vector
// is unit-norm.
type EmbeddingRecord struct {
	Embedding []float32         `json:"embedding"`
	Metadata  EmbeddingMetadata `json:"metadata"`
}

// Key is the dedupe identity (turn guid, kind, segment index).
func (r EmbeddingRecord) Key() string {
	return fmt.Sprintf("%s|%s|%d", r.Metadata.GUID, r.Metadata.Type, r.Metadata.SegmentIndex)
}
