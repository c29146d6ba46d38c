// Package embeddings keeps an append-only JSONL vector store with an
// in-memory mirror and cosine-similarity search.
package embeddings

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
)

// Filters narrows a search. Zero values mean no filtering.
type Filters struct {
	MinImportance int
	Types         []string
	After         time.Time
	Before        time.Time
}

// Result is one search hit.
type Result struct {
	Score    float64
	Text     string
	Metadata model.EmbeddingMetadata
}

// Index mirrors the JSONL file in memory. The file is written before
// the in-memory insert, so an I/O failure fails the whole Add.
type Index struct {
	path     string
	embedder llm.Embedder
	logger   *log.Logger

	mu      sync.RWMutex
	records []model.EmbeddingRecord
	keys    map[string]struct{}
}

// Open loads an existing JSONL file, skipping corrupt lines with a
// warning, and returns a usable index either way.
func Open(path string, embedder llm.Embedder, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ix := &Index{
		path:     path,
		embedder: embedder,
		logger:   logger.With("component", "embeddings"),
		keys:     make(map[string]struct{}),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ix, nil
		}
		return nil, fmt.Errorf("open embeddings log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec model.EmbeddingRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			ix.logger.Warn("skipping corrupt embeddings line", "line", line, "err", err)
			continue
		}
		ix.records = append(ix.records, rec)
		ix.keys[rec.Key()] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan embeddings log: %w", err)
	}
	return ix, nil
}

// Len returns the number of loaded records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

// Has reports whether a record with the dedupe key already exists.
func (ix *Index) Has(guid string, kind model.EmbeddingKind, segmentIndex int) bool {
	key := model.EmbeddingRecord{Metadata: model.EmbeddingMetadata{
		GUID: guid, Type: kind, SegmentIndex: segmentIndex,
	}}.Key()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.keys[key]
	return ok
}

// Add embeds text, appends the record to the JSONL file, then inserts
// it into memory. A record whose key already exists is a no-op.
func (ix *Index) Add(ctx context.Context, text string, meta model.EmbeddingMetadata) error {
	meta.Text = text
	rec := model.EmbeddingRecord{Metadata: meta}
	key := rec.Key()

	ix.mu.RLock()
	_, exists := ix.keys[key]
	ix.mu.RUnlock()
	if exists {
		return nil
	}

	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	llm.Normalize(vec)
	rec.Embedding = vec

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.keys[key]; ok {
		return nil
	}
	if err := ix.appendLine(rec); err != nil {
		return err
	}
	ix.records = append(ix.records, rec)
	ix.keys[key] = struct{}{}
	return nil
}

func (ix *Index) appendLine(rec model.EmbeddingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(ix.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open embeddings log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append embeddings log: %w", err)
	}
	return nil
}

// UpsertForTurn adds one record per digested segment with non-empty
// text, keyed by (turn guid, segment, index). Existing keys are
// skipped. When includeFullEntry is set, a whole-turn record is added
// once as well.
func (ix *Index) UpsertForTurn(ctx context.Context, turn model.Turn, includeFullEntry bool) error {
	if turn.Digest == nil {
		return nil
	}
	for i, seg := range turn.Digest.Segments {
		if seg.Text == "" {
			continue
		}
		meta := model.EmbeddingMetadata{
			GUID:         turn.GUID,
			Timestamp:    turn.Timestamp,
			Role:         turn.Role,
			Type:         model.EmbeddingSegment,
			SegmentIndex: i,
			Importance:   seg.Importance,
			Topics:       seg.Topics,
		}
		if err := ix.Add(ctx, seg.Text, meta); err != nil {
			return err
		}
	}
	if includeFullEntry && turn.Content != "" {
		meta := model.EmbeddingMetadata{
			GUID:       turn.GUID,
			Timestamp:  turn.Timestamp,
			Role:       turn.Role,
			Type:       model.EmbeddingFullEntry,
			Importance: model.DefaultImportance,
		}
		if err := ix.Add(ctx, turn.Content, meta); err != nil {
			return err
		}
	}
	return nil
}

// Search embeds the query and returns the top-k records by cosine
// similarity, best first. Ties go to the later timestamp.
func (ix *Index) Search(ctx context.Context, query string, k int, f Filters) ([]Result, error) {
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.SearchVector(vec, k, f), nil
}

// SearchVector scans all records against a precomputed query vector.
func (ix *Index) SearchVector(vec []float32, k int, f Filters) []Result {
	llm.Normalize(vec)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	results := make([]Result, 0, len(ix.records))
	for _, rec := range ix.records {
		if !matches(rec.Metadata, f) {
			continue
		}
		results = append(results, Result{
			Score:    llm.Cosine(vec, rec.Embedding),
			Text:     rec.Metadata.Text,
			Metadata: rec.Metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Metadata.Timestamp.After(results[j].Metadata.Timestamp)
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func matches(meta model.EmbeddingMetadata, f Filters) bool {
	if f.MinImportance > 0 && meta.Importance < f.MinImportance {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if string(meta.Type) == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.After.IsZero() && meta.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && meta.Timestamp.After(f.Before) {
		return false
	}
	return true
}
