package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
)

// stubService routes on prompt content: segmentation and rating get
// canned digest replies, compression a canned summary, everything else
// is treated as the query prompt.
type stubService struct {
	mu          sync.Mutex
	queryReply  string
	queryErr    error
	queryCalls  int
	queryPrompt string
}

func (s *stubService) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(prompt, "Break the following conversation turn"):
		return `["` + strings.ReplaceAll(firstLineAfter(prompt, "Turn:"), `"`, ``) + `"]`, nil
	case strings.Contains(prompt, "Rate each of the following"):
		return `[{"text":"","importance":4,"topics":["test"],"type":"information"}]`, nil
	case strings.Contains(prompt, "Summarize the important points"):
		return "The adventurer asked about Elena, the mayor of Haven.", nil
	}
	s.queryCalls++
	s.queryPrompt = prompt
	if s.queryErr != nil {
		return "", s.queryErr
	}
	if s.queryReply != "" {
		return s.queryReply, nil
	}
	return "Elena is the mayor of Haven.", nil
}

func (s *stubService) lastQueryPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryPrompt
}

func firstLineAfter(text, marker string) string {
	if i := strings.Index(text, marker); i >= 0 {
		rest := strings.TrimSpace(text[i+len(marker):])
		if j := strings.IndexByte(rest, '\n'); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return text
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Graph.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Queue.ShutdownGraceMS = 3000
	return cfg
}

func newTestManager(t *testing.T, svc llm.Service) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), testConfig(), config.DefaultDomain(), svc, llm.NewLocalEmbedder(), nil, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateInitial_Idempotent(t *testing.T) {
	m := newTestManager(t, &stubService{})
	if err := m.CreateInitial("Setting: Lost Valley.", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	if err := m.CreateInitial("different seed", ""); err != nil {
		t.Fatalf("second create: %v", err)
	}
	second, _ := m.State()
	if second.GUID != first.GUID || second.StaticMemory != first.StaticMemory {
		t.Fatalf("existing state must be left untouched: %+v", second)
	}
}

func TestQuery_AppendsExactlyTwoTurns(t *testing.T) {
	m := newTestManager(t, &stubService{})
	ctx := context.Background()
	if err := m.CreateInitial("Setting: Lost Valley. Elena is the mayor of Haven.", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	answer, err := m.Query(ctx, "Who runs Haven?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if answer != "Elena is the mayor of Haven." {
		t.Fatalf("unexpected answer %q", answer)
	}

	state, _ := m.State()
	if len(state.ConversationHistory) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(state.ConversationHistory))
	}
	if state.ConversationHistory[0].Role != model.RoleUser || state.ConversationHistory[1].Role != model.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", state.ConversationHistory)
	}
	if state.ConversationHistory[1].Content != answer {
		t.Fatalf("assistant turn must carry the answer")
	}
}

func TestQuery_BeforeInitFails(t *testing.T) {
	m := newTestManager(t, &stubService{})
	if _, err := m.Query(context.Background(), "hello"); err == nil {
		t.Fatalf("query on an uninitialized session must fail")
	}
}

func TestQuery_FailedGenerationStillRecordsTurns(t *testing.T) {
	svc := &stubService{queryErr: errors.New("model down")}
	m := newTestManager(t, svc)
	ctx := context.Background()
	if err := m.CreateInitial("seed memory", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	answer, err := m.Query(ctx, "anyone there?")
	if err != nil {
		t.Fatalf("query must not return the generation error, got %v", err)
	}
	if !strings.Contains(answer, "could not produce a response") {
		t.Fatalf("expected fallback answer, got %q", answer)
	}
	state, _ := m.State()
	if len(state.ConversationHistory) != 2 {
		t.Fatalf("both turns must be recorded, got %d", len(state.ConversationHistory))
	}
}

func TestBackgroundDigestAttaches(t *testing.T) {
	m := newTestManager(t, &stubService{})
	ctx := context.Background()
	if err := m.CreateInitial("seed memory", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Query(ctx, "Silas offered 50 gold for escorting a caravan"); err != nil {
		t.Fatalf("query: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		state, err := m.State()
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		digested := 0
		for _, turn := range state.ConversationHistory {
			if turn.Digest != nil {
				digested++
			}
		}
		if digested == 2 {
			for _, turn := range state.ConversationHistory {
				if len(turn.Digest.Segments) == 0 {
					t.Fatalf("digest without segments: %+v", turn)
				}
				if turn.Digest.Segments[0].Importance != 4 {
					t.Fatalf("rating lost: %+v", turn.Digest.Segments[0])
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("digests never attached, %d of 2", digested)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// segments were embedded once digests landed
	if m.index.Len() == 0 {
		t.Fatalf("expected embeddings for the digested segments")
	}
}

func TestQuery_PromptCarriesRetrievedSegments(t *testing.T) {
	svc := &stubService{}
	m := newTestManager(t, svc)
	ctx := context.Background()
	if err := m.CreateInitial("seed memory", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Query(ctx, "Silas offered 50 gold for escorting a caravan"); err != nil {
		t.Fatalf("seed query: %v", err)
	}

	// wait for the first exchange's segments to land in the index
	deadline := time.Now().Add(10 * time.Second)
	for m.index.Len() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("segments never embedded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := m.Query(ctx, "Who offered gold for the caravan escort?"); err != nil {
		t.Fatalf("query: %v", err)
	}
	prompt := svc.lastQueryPrompt()
	if !strings.Contains(prompt, "Relevant past information:") {
		t.Fatalf("retrieved segments missing from the prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[!4] Silas offered 50 gold for escorting a caravan") {
		t.Fatalf("seeded segment not rendered with its rating:\n%s", prompt)
	}
	if !strings.Contains(prompt, "(Topics: test)") {
		t.Fatalf("segment topics missing from the rendering:\n%s", prompt)
	}
}

func TestUpdateMemory_CompressesHistory(t *testing.T) {
	m := newTestManager(t, &stubService{})
	ctx := context.Background()
	if err := m.CreateInitial("seed memory", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Query(ctx, "Silas offered 50 gold for the caravan run"); err != nil {
		t.Fatalf("query: %v", err)
	}

	ok, err := m.UpdateMemory(ctx)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatalf("update reported failure")
	}

	state, _ := m.State()
	if len(state.ConversationHistory) != 0 {
		t.Fatalf("history must be cleared after compression")
	}
	if len(state.Context) != 1 {
		t.Fatalf("expected 1 context entry, got %+v", state.Context)
	}
	if state.Metadata.CompressionCount != 1 {
		t.Fatalf("compression count not recorded")
	}
}

func TestUpdateMemory_EmptyHistory(t *testing.T) {
	m := newTestManager(t, &stubService{})
	if err := m.CreateInitial("seed memory", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := m.UpdateMemory(context.Background())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatalf("empty history must be reported as success")
	}
}

func TestQuery_ConcurrentCallsSerialize(t *testing.T) {
	m := newTestManager(t, &stubService{})
	ctx := context.Background()
	if err := m.CreateInitial("seed memory", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Query(ctx, "concurrent question"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("query: %v", err)
	}

	state, _ := m.State()
	if len(state.ConversationHistory) != 2*n {
		t.Fatalf("expected %d turns, got %d", 2*n, len(state.ConversationHistory))
	}
	seen := map[string]bool{}
	for _, turn := range state.ConversationHistory {
		if seen[turn.GUID] {
			t.Fatalf("duplicate turn guid %s", turn.GUID)
		}
		seen[turn.GUID] = true
	}
}
