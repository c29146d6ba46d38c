// Package memory is the conductor: it ties the store, digester,
// embeddings index, graph, queue, and compressor together behind three
// public operations and serializes all mutations of one session.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/bus"
	"github.com/dotsetgreg/mnemo/pkg/compress"
	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/digest"
	"github.com/dotsetgreg/mnemo/pkg/embeddings"
	"github.com/dotsetgreg/mnemo/pkg/graph"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/metrics"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
	"github.com/dotsetgreg/mnemo/pkg/queue"
	"github.com/dotsetgreg/mnemo/pkg/store"
)

const digestWaitTimeout = 60 * time.Second

// Manager conducts one session's memory. All public operations are
// safe for concurrent use and serialize against each other.
type Manager struct {
	cfg        *config.Config
	profile    config.Profile
	domain     *config.DomainConfig
	store      *store.Store
	index      *embeddings.Index
	digester   *digest.Generator
	graph      *graph.Processor
	queue      *queue.Processor
	fileQueue  *queue.FileQueue
	compressor *compress.Compressor
	prompts    *prompts.Set
	svc        llm.Service
	embedder   llm.Embedder
	recorder   *metrics.Recorder
	observer   *bus.Observer
	logger     *log.Logger

	mu      sync.Mutex
	state   *model.MemoryState
	clog    *model.ConversationLog
	pending map[string]chan struct{}

	closeOnce sync.Once
}

// NewManager wires a session rooted at sessionDir. The observer may be
// nil when the host does not subscribe.
func NewManager(sessionDir string, cfg *config.Config, domain *config.DomainConfig, svc llm.Service, embedder llm.Embedder, observer *bus.Observer, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	profile := cfg.ResolvedProfile()

	st, err := store.New(sessionDir, logger)
	if err != nil {
		return nil, err
	}
	promptSet, err := prompts.Load(cfg.Memory.PromptTemplateDir)
	if err != nil {
		return nil, err
	}
	index, err := embeddings.Open(st.EmbeddingsPath(), embedder, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		profile:  profile,
		domain:   domain,
		store:    st,
		index:    index,
		svc:      svc,
		embedder: embedder,
		observer: observer,
		logger:   logger.With("component", "memory"),
		pending:  make(map[string]chan struct{}),
	}
	m.prompts = promptSet
	m.digester = digest.NewGenerator(svc, promptSet, domain, logger)
	m.compressor = compress.New(svc, promptSet,
		cfg.Memory.ImportanceThreshold, cfg.Memory.ConsolidationThreshold, logger)
	m.fileQueue = queue.NewFileQueue(st.QueuePath(), st.QueueLockPath(),
		time.Duration(cfg.Queue.LockTimeoutSecs)*time.Second, logger)

	if cfg.Graph.Enabled && domain.GraphMemory.Enabled && profile.GraphMode != config.GraphSkip {
		m.graph, err = graph.NewProcessor(st.GraphDir(), svc, embedder, promptSet, domain, logger)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Metrics.Enabled {
		m.recorder, err = metrics.Open(st.MetricsPath(), logger)
		if err != nil {
			logger.Warn("metrics sidecar unavailable", "err", err)
		}
	}

	var recorder queue.Recorder
	if m.recorder != nil {
		recorder = m.recorder
	}
	m.queue = queue.NewProcessor(m.processTask, queue.Options{
		Workers:       profile.Workers,
		MaxQueue:      profile.MaxQueue,
		EnqueueWait:   time.Duration(cfg.Queue.EnqueueWaitMS) * time.Millisecond,
		TaskDeadline:  profile.TaskDeadline,
		ShutdownGrace: time.Duration(cfg.Queue.ShutdownGraceMS) * time.Millisecond,
		Spill:         m.fileQueue,
		Recorder:      recorder,
		Logger:        logger,
	})

	if _, _, err := m.loadLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// loadLocked caches the state and conversation log from disk. Callers
// must hold mu or be inside NewManager.
func (m *Manager) loadLocked() (*model.MemoryState, *model.ConversationLog, error) {
	if m.state != nil {
		return m.state, m.clog, nil
	}
	state, clog, err := m.store.LoadSession()
	if err != nil {
		return nil, nil, err
	}
	m.state = state
	m.clog = clog
	return state, clog, nil
}

// CreateInitial seeds the session once. An existing valid state is left
// untouched and reported as success.
func (m *Manager) CreateInitial(text, guid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, clog, err := m.loadLocked()
	if err != nil {
		return err
	}
	if state.Valid() {
		m.logger.Debug("memory already initialized", "guid", state.GUID)
		return nil
	}

	state = model.NewMemoryState(guid, text)
	clog.MemoryFileGUID = state.GUID
	if err := m.store.SaveState(state); err != nil {
		return err
	}
	if err := m.store.SaveConversations(clog); err != nil {
		return err
	}
	m.state = state
	m.clog = clog
	m.logger.Info("memory initialized", "guid", state.GUID)
	return nil
}

// Query answers one user query. It appends the user turn, builds the
// prompt from the named context slots, calls the model once, appends
// the assistant turn, and enqueues background work for both turns.
// It always returns an answer string; a failed model call yields a
// short error message but still records both turns.
func (m *Manager) Query(ctx context.Context, query string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	m.emitBegin("query")
	defer func() { m.emitEnd("query", time.Since(start)) }()

	state, clog, err := m.loadLocked()
	if err != nil {
		return "", err
	}
	if !state.Valid() {
		return "", fmt.Errorf("memory not initialized, call CreateInitial first")
	}

	userTurn := model.NewTurn(model.RoleUser, query)
	state.ConversationHistory = append(state.ConversationHistory, userTurn)
	clog.Entries = append(clog.Entries, userTurn)
	if err := m.store.SaveConversations(clog); err != nil {
		return "", err
	}

	prompt, err := m.buildQueryPrompt(ctx, state, query)
	if err != nil {
		return "", err
	}

	response, genErr := m.svc.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.7})
	if genErr != nil {
		m.logger.Error("query generation failed", "err", genErr)
		m.emitError("query generation failed", genErr)
		response = fmt.Sprintf("I could not produce a response: %v", genErr)
	}

	assistantTurn := model.NewTurn(model.RoleAssistant, response)
	state.ConversationHistory = append(state.ConversationHistory, assistantTurn)
	clog.Entries = append(clog.Entries, assistantTurn)
	if err := m.store.SaveConversations(clog); err != nil {
		return "", err
	}
	if err := m.store.SaveState(state); err != nil {
		return "", err
	}

	for _, turn := range []model.Turn{userTurn, assistantTurn} {
		m.enqueueTurnLocked(turn)
	}
	return response, nil
}

// enqueueTurnLocked registers the pending digest and hands the turn to
// the background queue. Callers hold mu.
func (m *Manager) enqueueTurnLocked(turn model.Turn) {
	m.pending[turn.GUID] = make(chan struct{})
	err := m.queue.Enqueue(queue.Task{
		SessionGUID:      m.state.GUID,
		TurnGUID:         turn.GUID,
		ConversationText: turn.Content,
	})
	if err != nil {
		m.logger.Error("background enqueue failed", "turn", turn.GUID, "err", err)
		m.resolvePending(turn.GUID)
	}
}

// UpdateMemory runs the compression operation. It waits for pending
// digests of turns still in the history (compression never observes an
// undigested turn), compresses, and persists. An empty history returns
// success without changes.
func (m *Manager) UpdateMemory(ctx context.Context) (bool, error) {
	m.mu.Lock()
	state, _, err := m.loadLocked()
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if !state.Valid() {
		m.mu.Unlock()
		return false, fmt.Errorf("memory not initialized")
	}
	if len(state.ConversationHistory) == 0 {
		m.mu.Unlock()
		return true, nil
	}
	waits := m.pendingWaitsLocked()
	m.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-time.After(digestWaitTimeout):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	m.emitBegin("compress")
	if err := m.compressor.Compress(ctx, m.state); err != nil {
		m.emitError("compression failed", err)
		return false, err
	}
	if err := m.store.SaveState(m.state); err != nil {
		return false, err
	}
	m.emitEnd("compress", time.Since(start))
	return true, nil
}

func (m *Manager) pendingWaitsLocked() []chan struct{} {
	var waits []chan struct{}
	for _, turn := range m.state.ConversationHistory {
		if turn.Digest != nil {
			continue
		}
		if ch, ok := m.pending[turn.GUID]; ok {
			waits = append(waits, ch)
		}
	}
	return waits
}

// MaybeCompress compresses when the history has outgrown the bound.
// The maintenance sweep calls this off the foreground path.
func (m *Manager) MaybeCompress(ctx context.Context) {
	m.mu.Lock()
	over := m.state != nil &&
		len(m.state.ConversationHistory) > m.cfg.Memory.MaxRecentConversationEntries
	m.mu.Unlock()
	if !over {
		return
	}
	if _, err := m.UpdateMemory(ctx); err != nil {
		m.logger.Warn("scheduled compression failed", "err", err)
	}
}

// Status exposes the background queue health.
func (m *Manager) Status() queue.Status {
	return m.queue.Status()
}

// Graph returns the graph processor, or nil when graph memory is off.
func (m *Manager) Graph() *graph.Processor { return m.graph }

// Metrics returns the task-timing recorder, or nil when the sidecar is
// disabled or unavailable.
func (m *Manager) Metrics() *metrics.Recorder { return m.recorder }

// FileQueue returns the durable inter-process queue for this session.
func (m *Manager) FileQueue() *queue.FileQueue { return m.fileQueue }

// State returns a snapshot copy of the memory state.
func (m *Manager) State() (model.MemoryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, _, err := m.loadLocked()
	if err != nil {
		return model.MemoryState{}, err
	}
	if state == nil {
		return model.MemoryState{}, fmt.Errorf("memory not initialized")
	}
	return *state, nil
}

// Close drains the background queue and releases the metrics sidecar.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.queue.Close()
		if m.recorder != nil {
			if cerr := m.recorder.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (m *Manager) emitBegin(op string) {
	if m.observer != nil {
		m.observer.Begin("memory", op)
	}
}

func (m *Manager) emitEnd(op string, d time.Duration) {
	if m.observer != nil {
		m.observer.End("memory", op, d)
	}
}

func (m *Manager) emitError(msg string, err error) {
	if m.observer != nil {
		m.observer.Error("memory", msg, err)
	}
}
