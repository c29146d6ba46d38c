package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
)

// graphService routes on prompt content so one stub can answer the
// extraction, resolution, and relationship calls.
type graphService struct {
	extractReply  string
	resolveReply  string
	relationReply []string

	extractCalls  int
	resolveCalls  int
	relationCalls int
}

func (s *graphService) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	switch {
	case strings.Contains(prompt, "Extract the entities"):
		s.extractCalls++
		return s.extractReply, nil
	case strings.Contains(prompt, "Decide for each candidate"):
		s.resolveCalls++
		return s.resolveReply, nil
	case strings.Contains(prompt, "Identify relationships"):
		s.relationCalls++
		if len(s.relationReply) == 0 {
			return "[]", nil
		}
		reply := s.relationReply[0]
		if len(s.relationReply) > 1 {
			s.relationReply = s.relationReply[1:]
		}
		return reply, nil
	}
	return "", nil
}

func testDomain() *config.DomainConfig {
	dom := config.DefaultDomain()
	dom.GraphMemory.EntityTypes = []string{"character", "location"}
	dom.GraphMemory.RelationshipTypes = []string{"mayor_of", "located_in"}
	return dom
}

func newTestProcessor(t *testing.T, svc llm.Service) *Processor {
	t.Helper()
	set, err := prompts.Load("")
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	p, err := NewProcessor(t.TempDir(), svc, llm.NewLocalEmbedder(), set, testDomain(), nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return p
}

func digestedTurn(content string) model.Turn {
	turn := model.NewTurn(model.RoleUser, content)
	turn.Digest = &model.Digest{
		TurnGUID: turn.GUID,
		Role:     turn.Role,
		Segments: []model.Segment{
			{Text: content, Importance: 4, Type: model.SegmentInformation, MemoryWorthy: true},
		},
	}
	return turn
}

func TestStorage_UpsertEdgeDedupesTriple(t *testing.T) {
	st, err := OpenStorage(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.UpsertEdge(model.GraphEdge{ID: "e1", FromNodeID: "a", ToNodeID: "b", Relationship: "knows", Confidence: 0.6, Evidence: "first"})
	st.UpsertEdge(model.GraphEdge{ID: "e2", FromNodeID: "a", ToNodeID: "b", Relationship: "knows", Confidence: 0.9, Evidence: "second"})
	st.UpsertEdge(model.GraphEdge{ID: "e3", FromNodeID: "a", ToNodeID: "b", Relationship: "knows", Confidence: 0.3, Evidence: "third"})

	edges := st.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge after dedupe, got %d", len(edges))
	}
	if edges[0].Confidence != 0.9 {
		t.Fatalf("dedupe must keep the max confidence, got %f", edges[0].Confidence)
	}
	if edges[0].Evidence != "third" {
		t.Fatalf("dedupe must refresh evidence, got %q", edges[0].Evidence)
	}

	st.UpsertEdge(model.GraphEdge{ID: "e4", FromNodeID: "b", ToNodeID: "a", Relationship: "knows", Confidence: 0.5})
	if len(st.Edges()) != 2 {
		t.Fatalf("reversed direction is a distinct edge")
	}
}

func TestStorage_UpsertNodePreservesMentions(t *testing.T) {
	st, err := OpenStorage(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.UpsertNode(model.GraphNode{ID: "character_elena", Name: "Elena", Type: "character"})
	st.AddMention("character_elena", "turn-1")

	st.UpsertNode(model.GraphNode{ID: "character_elena", Name: "Elena", Type: "character", Description: "mayor of Haven"})
	node, ok := st.Node("character_elena")
	if !ok {
		t.Fatalf("node missing after upsert")
	}
	if node.Description != "mayor of Haven" {
		t.Fatalf("description not updated: %q", node.Description)
	}
	if len(node.Mentions) != 1 || node.Mentions[0] != "turn-1" {
		t.Fatalf("mentions lost on replace: %v", node.Mentions)
	}
}

func TestStorage_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStorage(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st.UpsertNode(model.GraphNode{ID: "location_haven", Name: "Haven", Type: "location"})
	st.UpsertEdge(model.GraphEdge{ID: "e1", FromNodeID: "location_haven", ToNodeID: "location_valley", Relationship: "located_in", Confidence: 0.8})
	if err := st.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := OpenStorage(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reloaded.Node("location_haven"); !ok {
		t.Fatalf("node lost across reload")
	}
	if len(reloaded.Edges()) != 1 {
		t.Fatalf("edges lost across reload")
	}
	meta := reloaded.Metadata()
	if meta.TotalNodes != 1 || meta.TotalEdges != 1 {
		t.Fatalf("metadata counts wrong: %+v", meta)
	}
}

func TestProcessor_RepeatedMentionsShareOneNode(t *testing.T) {
	svc := &graphService{
		extractReply: `[
			{"type":"character","name":"Elena","description":"mayor of Haven"},
			{"type":"location","name":"Haven","description":"a town in the valley"}
		]`,
		resolveReply: `[
			{"candidate_id":"cand_1","resolved_node_id":"<NEW>","confidence":0.9},
			{"candidate_id":"cand_2","resolved_node_id":"<NEW>","confidence":0.9}
		]`,
		relationReply: []string{
			`[{"from_entity_id":"character_elena","to_entity_id":"location_haven","relationship":"mayor_of","evidence":"Elena is the mayor of Haven","confidence":0.7}]`,
			`[{"from_entity_id":"character_elena","to_entity_id":"location_haven","relationship":"mayor_of","evidence":"Elena greeted us","confidence":0.9}]`,
		},
	}
	p := newTestProcessor(t, svc)
	ctx := context.Background()

	first := digestedTurn("Elena is the mayor of Haven.")
	if err := p.Process(ctx, first); err != nil {
		t.Fatalf("process first: %v", err)
	}
	second := digestedTurn("Elena greeted us when we reached Haven.")
	if err := p.Process(ctx, second); err != nil {
		t.Fatalf("process second: %v", err)
	}

	elena, ok := p.Storage().Node("character_elena")
	if !ok {
		t.Fatalf("elena node missing")
	}
	if len(elena.Mentions) != 2 {
		t.Fatalf("expected both turns recorded as mentions, got %v", elena.Mentions)
	}
	edges := p.Storage().Edges()
	if len(edges) != 1 {
		t.Fatalf("expected 1 deduped edge, got %d", len(edges))
	}
	if edges[0].Confidence != 0.9 {
		t.Fatalf("edge should carry the max confidence, got %f", edges[0].Confidence)
	}

	// the second turn matched both entities by (type, name) without a
	// resolution call
	if svc.resolveCalls != 1 {
		t.Fatalf("expected 1 resolution call, got %d", svc.resolveCalls)
	}
}

func TestProcessor_SkipsUndigestedAndUnimportant(t *testing.T) {
	svc := &graphService{}
	p := newTestProcessor(t, svc)
	ctx := context.Background()

	if err := p.Process(ctx, model.NewTurn(model.RoleUser, "no digest yet")); err != nil {
		t.Fatalf("process undigested: %v", err)
	}

	low := model.NewTurn(model.RoleUser, "the weather was fine")
	low.Digest = &model.Digest{
		TurnGUID: low.GUID,
		Segments: []model.Segment{
			{Text: "the weather was fine", Importance: 1, Type: model.SegmentInformation, MemoryWorthy: true},
			{Text: "what time is it", Importance: 4, Type: model.SegmentQuery, MemoryWorthy: true},
		},
	}
	if err := p.Process(ctx, low); err != nil {
		t.Fatalf("process low importance: %v", err)
	}
	if svc.extractCalls != 0 {
		t.Fatalf("no extraction expected for filtered turns, got %d calls", svc.extractCalls)
	}
}

func TestResolver_LowConfidencePromotesNew(t *testing.T) {
	svc := &graphService{
		resolveReply: `[{"candidate_id":"cand_1","resolved_node_id":"character_elena","confidence":0.4,"justification":"maybe"}]`,
	}
	p := newTestProcessor(t, svc)
	ctx := context.Background()

	p.Storage().UpsertNode(model.GraphNode{ID: "character_elena", Name: "Elena", Type: "character", Description: "mayor of Haven"})
	if err := p.resolver.IndexNode(ctx, model.GraphNode{ID: "character_elena", Name: "Elena", Type: "character", Description: "mayor of Haven"}); err != nil {
		t.Fatalf("index node: %v", err)
	}

	resolved, err := p.resolver.Resolve(ctx, []Candidate{{
		CandidateID:      "cand_1",
		Type:             "character",
		Name:             "Lena",
		Description:      "a traveling merchant",
		ConversationGUID: "turn-1",
		Status:           CandidateNew,
	}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolution, got %d", len(resolved))
	}
	r := resolved[0]
	if !r.IsNew {
		t.Fatalf("confidence below threshold must promote a new node")
	}
	if r.NodeID != "character_lena" {
		t.Fatalf("unexpected node id %q", r.NodeID)
	}
	if r.Status != CandidatePromoted {
		t.Fatalf("unexpected status %q", r.Status)
	}
}

func TestResolver_HighConfidenceMatchesExisting(t *testing.T) {
	svc := &graphService{
		resolveReply: `[{"candidate_id":"cand_1","resolved_node_id":"character_elena","confidence":0.95,"justification":"same person"}]`,
	}
	p := newTestProcessor(t, svc)
	ctx := context.Background()

	node := model.GraphNode{ID: "character_elena", Name: "Elena", Type: "character", Description: "mayor of Haven"}
	p.Storage().UpsertNode(node)
	if err := p.resolver.IndexNode(ctx, node); err != nil {
		t.Fatalf("index node: %v", err)
	}

	resolved, err := p.resolver.Resolve(ctx, []Candidate{{
		CandidateID:      "cand_1",
		Type:             "character",
		Name:             "Mayor Elena",
		Description:      "the mayor of the town of Haven",
		ConversationGUID: "turn-2",
		Status:           CandidateNew,
	}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r := resolved[0]
	if r.IsNew {
		t.Fatalf("high-confidence match must not promote a new node")
	}
	if r.NodeID != "character_elena" || r.Status != CandidateMatched {
		t.Fatalf("unexpected resolution: %+v", r)
	}
}

func TestContextForQueryVector(t *testing.T) {
	svc := &graphService{}
	p := newTestProcessor(t, svc)
	ctx := context.Background()

	elena := model.GraphNode{ID: "character_elena", Name: "Elena", Type: "character", Description: "mayor of Haven"}
	haven := model.GraphNode{ID: "location_haven", Name: "Haven", Type: "location", Description: "a town in the valley"}
	p.Storage().UpsertNode(elena)
	p.Storage().UpsertNode(haven)
	p.Storage().UpsertEdge(model.GraphEdge{ID: "e1", FromNodeID: elena.ID, ToNodeID: haven.ID, Relationship: "mayor_of", Confidence: 0.9})
	for _, n := range []model.GraphNode{elena, haven} {
		if err := p.resolver.IndexNode(ctx, n); err != nil {
			t.Fatalf("index: %v", err)
		}
	}

	vec, err := llm.NewLocalEmbedder().Embed(ctx, "who is the mayor of Haven")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	lines := p.ContextForQueryVector(vec, 5)
	if len(lines) != 2 {
		t.Fatalf("expected 2 context lines, got %v", lines)
	}
	var elenaLine string
	for _, l := range lines {
		if strings.HasPrefix(l, "Elena") {
			elenaLine = l
		}
	}
	if elenaLine == "" {
		t.Fatalf("elena missing from context: %v", lines)
	}
	if !strings.Contains(elenaLine, "mayor_of Haven") {
		t.Fatalf("outgoing relationship missing: %q", elenaLine)
	}
}
