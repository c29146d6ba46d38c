// Package store owns the durable per-session documents: memory state,
// conversation log, and embeddings log. Every save is atomic (write to
// a temp file, then rename over the destination).
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/model"
)

const (
	stateFile         = "agent_memory.json"
	conversationsFile = "agent_memory_conversations.json"
	embeddingsFile    = "agent_memory_embeddings.jsonl"
	graphDir          = "agent_memory_graph_data"
	queueFile         = "conversation_queue.jsonl"
	processingFile    = "processing_state.json"
	metricsFile       = "metrics.db"

	backupPrefix = "agent_memory_backup_"
	maxBackups   = 5
)

// Store is the per-session file layout rooted at one directory.
type Store struct {
	dir    string
	logger *log.Logger
}

func New(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "store")}, nil
}

func (s *Store) Dir() string                 { return s.dir }
func (s *Store) StatePath() string           { return filepath.Join(s.dir, stateFile) }
func (s *Store) ConversationsPath() string   { return filepath.Join(s.dir, conversationsFile) }
func (s *Store) EmbeddingsPath() string      { return filepath.Join(s.dir, embeddingsFile) }
func (s *Store) GraphDir() string            { return filepath.Join(s.dir, graphDir) }
func (s *Store) QueuePath() string           { return filepath.Join(s.dir, queueFile) }
func (s *Store) QueueLockPath() string       { return filepath.Join(s.dir, queueFile+".lock") }
func (s *Store) ProcessingStatePath() string { return filepath.Join(s.dir, processingFile) }
func (s *Store) MetricsPath() string         { return filepath.Join(s.dir, metricsFile) }

// WriteAtomic writes data to path via a sibling temp file and rename.
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v (indented, human readable) and writes it
// atomically.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}

// LoadState reads the memory state. A missing file returns (nil, nil).
func (s *Store) LoadState() (*model.MemoryState, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var state model.MemoryState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &state, nil
}

// SaveState rotates the previous state file to a timestamped backup and
// writes the new state atomically.
func (s *Store) SaveState(state *model.MemoryState) error {
	state.Metadata.UpdatedAt = time.Now().UTC()
	if err := s.rotateBackup(); err != nil {
		s.logger.Warn("backup rotation failed", "err", err)
	}
	return WriteJSONAtomic(s.StatePath(), state)
}

func (s *Store) rotateBackup() error {
	current, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	name := backupPrefix + time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	if err := os.WriteFile(filepath.Join(s.dir, name), current, 0o644); err != nil {
		return err
	}
	return s.pruneBackups()
}

func (s *Store) pruneBackups() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= maxBackups {
		return nil
	}
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-maxBackups] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// LoadConversations reads the conversation log. A missing file returns
// an empty log.
func (s *Store) LoadConversations() (*model.ConversationLog, error) {
	data, err := os.ReadFile(s.ConversationsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &model.ConversationLog{Entries: []model.Turn{}}, nil
		}
		return nil, fmt.Errorf("read conversations: %w", err)
	}
	var clog model.ConversationLog
	if err := json.Unmarshal(data, &clog); err != nil {
		return nil, fmt.Errorf("parse conversations: %w", err)
	}
	return &clog, nil
}

func (s *Store) SaveConversations(clog *model.ConversationLog) error {
	return WriteJSONAtomic(s.ConversationsPath(), clog)
}

// LoadSession loads the state and conversation log together and repairs
// a GUID mismatch by overwriting the log's guid with the state's (log
// entries are kept). Returns (nil, empty log) for a fresh session.
func (s *Store) LoadSession() (*model.MemoryState, *model.ConversationLog, error) {
	state, err := s.LoadState()
	if err != nil {
		return nil, nil, err
	}
	clog, err := s.LoadConversations()
	if err != nil {
		return nil, nil, err
	}
	if state != nil && clog.MemoryFileGUID != state.GUID {
		if clog.MemoryFileGUID != "" {
			s.logger.Warn("conversation log guid mismatch, repairing",
				"log_guid", clog.MemoryFileGUID, "state_guid", state.GUID)
		}
		clog.MemoryFileGUID = state.GUID
		if err := s.SaveConversations(clog); err != nil {
			return nil, nil, err
		}
	}
	return state, clog, nil
}

// AttachDigest sets the digest on the named turn and persists the log.
// A turn that already carries a digest is left alone. A missing turn is
// logged and skipped.
func (s *Store) AttachDigest(clog *model.ConversationLog, turnGUID string, digest *model.Digest) error {
	idx := clog.FindTurn(turnGUID)
	if idx < 0 {
		s.logger.Warn("digest for unknown turn, skipping", "guid", turnGUID)
		return nil
	}
	if clog.Entries[idx].Digest != nil {
		return nil
	}
	clog.Entries[idx].Digest = digest
	return s.SaveConversations(clog)
}
