package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/queue"
)

// processTask is the background pipeline for one turn, in order:
// digest attachment, then embeddings, then graph processing.
func (m *Manager) processTask(ctx context.Context, task queue.Task) error {
	defer m.resolvePending(task.TurnGUID)

	m.mu.Lock()
	state, clog, err := m.loadLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	idx := clog.FindTurn(task.TurnGUID)
	if idx < 0 {
		m.mu.Unlock()
		m.logger.Warn("background task for unknown turn, skipping", "turn", task.TurnGUID)
		return nil
	}
	turn := clog.Entries[idx]
	snapshot := *state
	m.mu.Unlock()

	// The digester never fails; an already digested turn comes back
	// unchanged without model calls.
	d := m.digester.Digest(ctx, turn, &snapshot)
	turn.Digest = d

	m.mu.Lock()
	if err := m.store.AttachDigest(m.clog, task.TurnGUID, d); err != nil {
		m.mu.Unlock()
		return err
	}
	stateChanged := false
	for i := range m.state.ConversationHistory {
		if m.state.ConversationHistory[i].GUID == task.TurnGUID && m.state.ConversationHistory[i].Digest == nil {
			m.state.ConversationHistory[i].Digest = d
			stateChanged = true
		}
	}
	if stateChanged {
		if err := m.store.SaveState(m.state); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()
	m.resolvePending(task.TurnGUID)

	if err := m.index.UpsertForTurn(ctx, turn, m.cfg.Memory.FullEntryEmbeddings); err != nil {
		return fmt.Errorf("embed turn %s: %w", task.TurnGUID, err)
	}

	if m.cfg.Graph.InterProcess {
		return m.fileQueue.Append(model.QueueEntry{
			ConversationGUID: turn.GUID,
			ConversationText: turn.Content,
			DigestText:       renderDigestText(d),
		})
	}
	if m.graph != nil {
		if err := m.graph.Process(ctx, turn); err != nil {
			return fmt.Errorf("graph process turn %s: %w", task.TurnGUID, err)
		}
	}
	return nil
}

// resolvePending releases anyone waiting on the turn's digest. Safe to
// call more than once.
func (m *Manager) resolvePending(guid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.pending[guid]; ok {
		delete(m.pending, guid)
		close(ch)
	}
}

func renderDigestText(d *model.Digest) string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	for _, s := range d.Segments {
		fmt.Fprintf(&b, "- [!%d] %s\n", s.Importance, s.Text)
	}
	return b.String()
}
