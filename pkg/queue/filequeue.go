package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/store"
)

// FileQueue is the durable inter-process queue: a JSONL file guarded by
// an OS file lock. It is the system of record for handed-off work.
type FileQueue struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      *log.Logger
}

func NewFileQueue(path, lockPath string, lockTimeout time.Duration, logger *log.Logger) *FileQueue {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &FileQueue{
		path:        path,
		lockPath:    lockPath,
		lockTimeout: lockTimeout,
		logger:      logger.With("component", "filequeue"),
	}
}

func (q *FileQueue) Path() string { return q.path }

// withLock runs fn while holding an exclusive flock on the lock file,
// retrying non-blocking acquisition until the timeout.
func (q *FileQueue) withLock(fn func() error) error {
	f, err := os.OpenFile(q.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	deadline := time.Now().Add(q.lockTimeout)
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// Append adds one entry to the end of the queue file.
func (q *FileQueue) Append(entry model.QueueEntry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	return q.withLock(func() error {
		f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open queue file: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append queue file: %w", err)
		}
		return nil
	})
}

// ReadAll returns every entry in file order, skipping corrupt lines
// with a warning.
func (q *FileQueue) ReadAll() ([]model.QueueEntry, error) {
	var entries []model.QueueEntry
	err := q.withLock(func() error {
		f, err := os.Open(q.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("open queue file: %w", err)
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
			var entry model.QueueEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				q.logger.Warn("skipping corrupt queue line", "line", line, "err", err)
				continue
			}
			entries = append(entries, entry)
		}
		return scanner.Err()
	})
	return entries, err
}

// TruncateThrough rewrites the queue file keeping only entries after
// the named guid. When the guid is absent the file is left alone.
func (q *FileQueue) TruncateThrough(guid string) error {
	return q.withLock(func() error {
		f, err := os.Open(q.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		var keep [][]byte
		found := false
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			raw := append([]byte{}, scanner.Bytes()...)
			if found {
				keep = append(keep, raw)
				continue
			}
			var entry model.QueueEntry
			if err := json.Unmarshal(raw, &entry); err == nil && entry.ConversationGUID == guid {
				found = true
				keep = keep[:0]
				continue
			}
			keep = append(keep, raw)
		}
		scanErr := scanner.Err()
		f.Close()
		if scanErr != nil {
			return scanErr
		}
		if !found {
			return nil
		}

		var buf []byte
		for _, line := range keep {
			buf = append(buf, line...)
			buf = append(buf, '\n')
		}
		return store.WriteAtomic(q.path, buf)
	})
}

// LoadProcessingState reads processing_state.json; a missing file means
// nothing has been processed yet.
func LoadProcessingState(path string) (model.ProcessingState, error) {
	var st model.ProcessingState
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return model.ProcessingState{}, fmt.Errorf("parse processing state: %w", err)
	}
	return st, nil
}

// SaveProcessingState persists the worker's position atomically.
func SaveProcessingState(path string, st model.ProcessingState) error {
	return store.WriteJSONAtomic(path, st)
}
