// Package digest turns a raw conversation turn into rated, topic-tagged
// segments. Every failure degrades to a usable digest; this stage never
// stops the pipeline.
package digest

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

type Generator struct {
	svc     llm.Service
	prompts *prompts.Set
	domain  *config.DomainConfig
	logger  *log.Logger
}

func NewGenerator(svc llm.Service, set *prompts.Set, domain *config.DomainConfig, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Generator{
		svc:     svc,
		prompts: set,
		domain:  domain,
		logger:  logger.With("component", "digest"),
	}
}

// Digest produces the segment list for one turn. A turn that already
// carries a digest is returned as-is without any model calls.
func (g *Generator) Digest(ctx context.Context, turn model.Turn, state *model.MemoryState) *model.Digest {
	if turn.Digest != nil {
		return turn.Digest
	}

	segments := g.segment(ctx, turn.Content)
	rated := g.rate(ctx, segments, state)
	for i := range rated {
		for j, topic := range rated[i].Topics {
			rated[i].Topics[j] = g.domain.NormalizeTopic(topic)
		}
	}

	return &model.Digest{
		TurnGUID:  turn.GUID,
		Role:      turn.Role,
		Timestamp: turn.Timestamp,
		Segments:  rated,
	}
}

// segment asks the model to split the turn; any failure falls back to
// the whole content as a single segment.
func (g *Generator) segment(ctx context.Context, content string) []string {
	fallback := []string{content}

	prompt, err := g.prompts.Render(prompts.SegmentConversation, map[string]string{
		"conversation_text": content,
	})
	if err != nil {
		g.logger.Warn("segment prompt render failed", "err", err)
		return fallback
	}
	raw, err := g.svc.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0})
	if err != nil {
		g.logger.Warn("segmentation call failed, using whole turn", "err", err)
		return fallback
	}

	var parts []string
	if !llm.DecodeJSON(raw, &parts) {
		g.logger.Warn("segmentation output not parseable, using whole turn")
		return fallback
	}
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			segments = append(segments, p)
		}
	}
	if len(segments) == 0 {
		return fallback
	}
	return segments
}

type ratedSegment struct {
	Text       string   `json:"text"`
	Importance float64  `json:"importance"`
	Topics     []string `json:"topics"`
	Type       string   `json:"type"`
}

// rate asks the model to score the segments. Missing or invalid fields
// get defaults (importance 3, type information); relative order is
// preserved by aligning on index.
func (g *Generator) rate(ctx context.Context, segments []string, state *model.MemoryState) []model.Segment {
	defaults := defaultSegments(segments)

	segJSON, err := json.Marshal(segments)
	if err != nil {
		return defaults
	}
	prompt, err := g.prompts.Render(prompts.RateSegments, map[string]string{
		"segments":      string(segJSON),
		"static_memory": staticMemory(state),
		"context":       renderContext(state),
	})
	if err != nil {
		g.logger.Warn("rate prompt render failed", "err", err)
		return defaults
	}
	raw, err := g.svc.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0})
	if err != nil {
		g.logger.Warn("rating call failed, using defaults", "err", err)
		return defaults
	}

	var rated []ratedSegment
	if !llm.DecodeJSON(raw, &rated) {
		g.logger.Warn("rating output not parseable, using defaults")
		return defaults
	}

	out := defaults
	for i := range out {
		if i >= len(rated) {
			break
		}
		r := rated[i]
		if text := strings.TrimSpace(r.Text); text != "" {
			out[i].Text = text
		}
		if r.Importance != 0 {
			out[i].Importance = model.ClampImportance(int(r.Importance))
		}
		if r.Topics != nil {
			out[i].Topics = r.Topics
		}
		if t := model.SegmentType(r.Type); t.Valid() {
			out[i].Type = t
		}
	}
	return out
}

func defaultSegments(segments []string) []model.Segment {
	out := make([]model.Segment, len(segments))
	for i, text := range segments {
		out[i] = model.Segment{
			Text:         text,
			Importance:   model.DefaultImportance,
			Type:         model.SegmentInformation,
			MemoryWorthy: true,
		}
	}
	return out
}

func staticMemory(state *model.MemoryState) string {
	if state == nil {
		return ""
	}
	return state.StaticMemory
}

func renderContext(state *model.MemoryState) string {
	if state == nil || len(state.Context) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, entry := range state.Context {
		b.WriteString("- ")
		b.WriteString(entry.Text)
		b.WriteString("\n")
	}
	return b.String()
}
