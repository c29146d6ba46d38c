package digest

import (
	"context"
	"strings"
	"testing"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

// scriptedService routes on prompt content so one stub can answer the
// segmentation and rating calls differently.
type scriptedService struct {
	segmentReply string
	rateReply    string
	segmentErr   error
	rateErr      error
	calls        int
}

func (s *scriptedService) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	s.calls++
	if strings.Contains(prompt, "Break the following conversation turn") {
		return s.segmentReply, s.segmentErr
	}
	if strings.Contains(prompt, "Rate each of the following") {
		return s.rateReply, s.rateErr
	}
	return "", nil
}

func newTestGenerator(t *testing.T, svc llm.Service) *Generator {
	t.Helper()
	set, err := prompts.Load("")
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	return NewGenerator(svc, set, config.DefaultDomain(), nil)
}

func TestDigest_HappyPath(t *testing.T) {
	svc := &scriptedService{
		segmentReply: `["Silas offered 50 gold", "The inn was loud"]`,
		rateReply: `[
			{"text":"Silas offered 50 gold","importance":4,"topics":["quest"],"type":"information"},
			{"text":"The inn was loud","importance":1,"topics":[],"type":"information"}
		]`,
	}
	g := newTestGenerator(t, svc)

	turn := model.NewTurn(model.RoleUser, "Silas offered 50 gold. The inn was loud.")
	d := g.Digest(context.Background(), turn, nil)
	if d == nil {
		t.Fatalf("digest is nil")
	}
	if d.TurnGUID != turn.GUID {
		t.Fatalf("digest bound to wrong turn: %q", d.TurnGUID)
	}
	if len(d.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(d.Segments))
	}
	if d.Segments[0].Importance != 4 || d.Segments[1].Importance != 1 {
		t.Fatalf("importance lost: %+v", d.Segments)
	}
	if !d.Segments[0].MemoryWorthy {
		t.Fatalf("segments default to memory worthy")
	}
}

func TestDigest_MalformedRatingFallsBackToDefaults(t *testing.T) {
	svc := &scriptedService{
		segmentReply: `["only segment"]`,
		rateReply:    "this is not json at all",
	}
	g := newTestGenerator(t, svc)

	d := g.Digest(context.Background(), model.NewTurn(model.RoleUser, "only segment"), nil)
	if len(d.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(d.Segments))
	}
	s := d.Segments[0]
	if s.Text != "only segment" || s.Importance != model.DefaultImportance || s.Type != model.SegmentInformation {
		t.Fatalf("defaults not applied: %+v", s)
	}
}

func TestDigest_SegmentationFailureUsesWholeTurn(t *testing.T) {
	svc := &scriptedService{
		segmentErr: &llm.StatusError{Code: 500},
		rateErr:    &llm.StatusError{Code: 500},
	}
	g := newTestGenerator(t, svc)

	d := g.Digest(context.Background(), model.NewTurn(model.RoleUser, "whole turn text"), nil)
	if len(d.Segments) != 1 || d.Segments[0].Text != "whole turn text" {
		t.Fatalf("expected whole-turn fallback, got %+v", d.Segments)
	}
	if d.Segments[0].Importance != model.DefaultImportance {
		t.Fatalf("fallback should get default importance")
	}
}

func TestDigest_AlreadyDigestedSkipsCalls(t *testing.T) {
	svc := &scriptedService{}
	g := newTestGenerator(t, svc)

	turn := model.NewTurn(model.RoleUser, "x")
	existing := &model.Digest{TurnGUID: turn.GUID, Segments: []model.Segment{{Text: "x"}}}
	turn.Digest = existing

	if got := g.Digest(context.Background(), turn, nil); got != existing {
		t.Fatalf("existing digest must be returned unchanged")
	}
	if svc.calls != 0 {
		t.Fatalf("no model calls expected for a digested turn, got %d", svc.calls)
	}
}

func TestDigest_TopicNormalization(t *testing.T) {
	svc := &scriptedService{
		segmentReply: `["a quest was offered"]`,
		rateReply:    `[{"text":"a quest was offered","importance":3,"topics":["quests"],"type":"information"}]`,
	}
	dom := config.DefaultDomain()
	dom.TopicNormalization = map[string]string{"quests": "quest"}

	set, err := prompts.Load("")
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	g := NewGenerator(svc, set, dom, nil)

	d := g.Digest(context.Background(), model.NewTurn(model.RoleUser, "a quest was offered"), nil)
	if len(d.Segments) != 1 || len(d.Segments[0].Topics) != 1 || d.Segments[0].Topics[0] != "quest" {
		t.Fatalf("topic not normalized: %+v", d.Segments)
	}
}
