package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/mnemo/pkg/embeddings"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

// buildQueryPrompt fills the named query-context slots: domain
// instructions, static memory, previous context, recent history, RAG
// context, and graph context. The query is embedded once and the
// vector shared between the segment index and the graph.
func (m *Manager) buildQueryPrompt(ctx context.Context, state *model.MemoryState, query string) (string, error) {
	ragContext := ""
	graphContext := ""

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.logger.Warn("query embedding failed, answering without retrieval", "err", err)
	} else {
		hits := m.index.SearchVector(vec, m.cfg.Memory.RAGLimit, embeddings.Filters{
			MinImportance: m.cfg.Memory.ImportanceThreshold,
			Types: []string{
				string(model.EmbeddingSegment),
				string(model.SegmentInformation),
				string(model.SegmentAction),
			},
		})
		ragContext = renderRAG(hits)
		if m.graph != nil {
			graphContext = renderGraphContext(
				m.graph.ContextForQueryVector(vec, m.cfg.Graph.MaxRAGCandidates))
		}
	}

	return m.prompts.Render(prompts.QueryMemory, map[string]string{
		"domain_instructions":  m.domain.PromptInstructions.Query,
		"static_memory":        state.StaticMemory,
		"previous_context":     renderPreviousContext(state.Context),
		"conversation_history": renderHistory(state.ConversationHistory, m.cfg.Memory.MaxRecentConversationEntries),
		"rag_context":          ragContext,
		"graph_context":        graphContext,
		"query":                query,
	})
}

func renderRAG(hits []embeddings.Result) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant past information:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "[!%d] %s", h.Metadata.Importance, h.Text)
		if len(h.Metadata.Topics) > 0 {
			fmt.Fprintf(&b, " (Topics: %s)", strings.Join(h.Metadata.Topics, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderGraphContext(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known entities:\n")
	for _, line := range lines {
		b.WriteString("- " + line + "\n")
	}
	return b.String()
}

func renderPreviousContext(entries []model.ContextEntry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- " + e.Text + "\n")
	}
	return b.String()
}

func renderHistory(history []model.Turn, max int) string {
	if len(history) == 0 {
		return "(none)"
	}
	if max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
	}
	return b.String()
}
