// Package compress folds older conversation turns into summarized
// context entries so prompts stay bounded while important information
// survives.
package compress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

const noNewInformation = "NO_NEW_INFORMATION"

type Compressor struct {
	svc                    llm.Service
	prompts                *prompts.Set
	importanceThreshold    int
	consolidationThreshold float64
	logger                 *log.Logger
}

func New(svc llm.Service, set *prompts.Set, importanceThreshold int, consolidationThreshold float64, logger *log.Logger) *Compressor {
	if importanceThreshold <= 0 {
		importanceThreshold = model.DefaultImportance
	}
	if consolidationThreshold <= 0 {
		consolidationThreshold = 0.35
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Compressor{
		svc:                    svc,
		prompts:                set,
		importanceThreshold:    importanceThreshold,
		consolidationThreshold: consolidationThreshold,
		logger:                 logger.With("component", "compress"),
	}
}

// Compress folds the conversation history into context entries and
// clears it. An empty history succeeds without changes. On any error
// the state is left untouched; mutation happens only after every model
// call has succeeded.
func (c *Compressor) Compress(ctx context.Context, state *model.MemoryState) error {
	if state == nil || len(state.ConversationHistory) == 0 {
		return nil
	}

	var newEntries []model.ContextEntry
	for _, exchange := range pairExchanges(state.ConversationHistory) {
		important := importantSegments(exchange, c.importanceThreshold)
		if important == "" {
			continue
		}
		prompt, err := c.prompts.Render(prompts.CompressMemory, map[string]string{
			"important_segments": important,
			"previous_context":   renderContext(state.Context, newEntries),
			"static_memory":      state.StaticMemory,
		})
		if err != nil {
			return err
		}
		out, err := c.svc.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0})
		if err != nil {
			return fmt.Errorf("compression call: %w", err)
		}
		out = strings.TrimSpace(out)
		if out == noNewInformation || len(out) < 10 {
			continue
		}
		guids := make([]string, 0, len(exchange))
		for _, t := range exchange {
			guids = append(guids, t.GUID)
		}
		newEntries = append(newEntries, model.ContextEntry{
			Text:        out,
			SourceGUIDs: guids,
			Timestamp:   time.Now().UTC(),
		})
	}

	allGUIDs := make([]string, 0, len(state.ConversationHistory))
	for _, t := range state.ConversationHistory {
		allGUIDs = append(allGUIDs, t.GUID)
	}

	state.Context = Consolidate(append(state.Context, newEntries...), c.consolidationThreshold)
	state.ConversationHistory = []model.Turn{}
	state.Metadata.CompressionCount++
	state.Metadata.LastCompressed = allGUIDs
	state.Metadata.CompressedEntries = append(state.Metadata.CompressedEntries, model.CompressionRecord{
		Timestamp:   time.Now().UTC(),
		SourceGUIDs: allGUIDs,
		EntryCount:  len(newEntries),
	})
	c.logger.Info("compressed history",
		"turns", len(allGUIDs), "new_entries", len(newEntries), "context_size", len(state.Context))
	return nil
}

// pairExchanges groups turns into user+assistant pairs where possible;
// a trailing odd turn stands alone.
func pairExchanges(history []model.Turn) [][]model.Turn {
	var out [][]model.Turn
	for i := 0; i < len(history); i += 2 {
		if i+1 < len(history) {
			out = append(out, []model.Turn{history[i], history[i+1]})
		} else {
			out = append(out, []model.Turn{history[i]})
		}
	}
	return out
}

// importantSegments renders the exchange's memorable segments as
// role-tagged bullets. Undigested turns contribute nothing; the caller
// is responsible for only compressing digested turns.
func importantSegments(exchange []model.Turn, threshold int) string {
	var b strings.Builder
	for _, t := range exchange {
		if t.Digest == nil {
			continue
		}
		for _, s := range t.Digest.Segments {
			if s.Importance < threshold {
				continue
			}
			if s.Type != model.SegmentInformation && s.Type != model.SegmentAction {
				continue
			}
			fmt.Fprintf(&b, "- [%s] %s\n", t.Role, s.Text)
		}
	}
	return b.String()
}

func renderContext(existing, pending []model.ContextEntry) string {
	if len(existing)+len(pending) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, e := range existing {
		b.WriteString("- " + e.Text + "\n")
	}
	for _, e := range pending {
		b.WriteString("- " + e.Text + "\n")
	}
	return b.String()
}

// Consolidate merges context entries whose word sets overlap at or
// above the Jaccard threshold. The longer text wins; source guids are
// unioned preserving first-seen order.
func Consolidate(entries []model.ContextEntry, threshold float64) []model.ContextEntry {
	var out []model.ContextEntry
	for _, entry := range entries {
		merged := false
		for i := range out {
			if Jaccard(out[i].Text, entry.Text) < threshold {
				continue
			}
			if len(entry.Text) > len(out[i].Text) {
				out[i].Text = entry.Text
				out[i].Timestamp = entry.Timestamp
			}
			out[i].SourceGUIDs = unionGUIDs(out[i].SourceGUIDs, entry.SourceGUIDs)
			merged = true
			break
		}
		if !merged {
			out = append(out, entry)
		}
	}
	return out
}

// Jaccard computes word-set overlap, case-folded, split on whitespace.
func Jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		out[w] = struct{}{}
	}
	return out
}

func unionGUIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, g := range append(append([]string{}, a...), b...) {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}
