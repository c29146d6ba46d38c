package queue

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/dotsetgreg/mnemo/pkg/model"
)

// EntryHandler processes one inter-process queue entry.
type EntryHandler func(ctx context.Context, entry model.QueueEntry) error

// Worker is the standalone queue consumer deployed as a sibling
// process. It reads conversation_queue.jsonl in order, records its
// position in processing_state.json after every entry, and truncates
// the processed prefix. It reacts to file writes via fsnotify and polls
// as a fallback.
type Worker struct {
	queue     *FileQueue
	statePath string
	handler   EntryHandler
	poll      time.Duration
	watch     bool
	logger    *log.Logger
}

func NewWorker(queue *FileQueue, statePath string, handler EntryHandler, poll time.Duration, watch bool, logger *log.Logger) *Worker {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Worker{
		queue:     queue,
		statePath: statePath,
		handler:   handler,
		poll:      poll,
		watch:     watch,
		logger:    logger.With("component", "worker"),
	}
}

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var events chan struct{}
	if w.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("fsnotify unavailable, polling only", "err", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(w.queue.Path())); err != nil {
				w.logger.Warn("cannot watch queue dir, polling only", "err", err)
			} else {
				events = make(chan struct{}, 1)
				go w.forwardEvents(ctx, watcher, events)
			}
		}
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if err := w.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("queue drain failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-eventsOrNever(events):
		}
	}
}

func eventsOrNever(events chan struct{}) <-chan struct{} {
	if events == nil {
		return make(chan struct{})
	}
	return events
}

func (w *Worker) forwardEvents(ctx context.Context, watcher *fsnotify.Watcher, events chan struct{}) {
	queuePath := w.queue.Path()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != queuePath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case events <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

// drain processes every unprocessed entry currently in the file. A
// handler failure stops the batch; the entry stays queued for the next
// pass.
func (w *Worker) drain(ctx context.Context) error {
	state, err := LoadProcessingState(w.statePath)
	if err != nil {
		return err
	}
	entries, err := w.queue.ReadAll()
	if err != nil {
		return err
	}
	pending := afterGUID(entries, state.LastProcessedGUID)
	if len(pending) == 0 {
		return nil
	}
	w.logger.Info("processing queue entries", "pending", len(pending))

	for _, entry := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.handler(ctx, entry); err != nil {
			w.logger.Error("entry processing failed, will retry",
				"guid", entry.ConversationGUID, "err", err)
			return nil
		}
		state.LastProcessedGUID = entry.ConversationGUID
		state.ProcessedCount++
		if err := SaveProcessingState(w.statePath, state); err != nil {
			return err
		}
	}
	return w.queue.TruncateThrough(state.LastProcessedGUID)
}

// afterGUID returns the entries following the named guid, or all of
// them when the guid is absent (already truncated away).
func afterGUID(entries []model.QueueEntry, guid string) []model.QueueEntry {
	if guid == "" {
		return entries
	}
	for i, e := range entries {
		if e.ConversationGUID == guid {
			return entries[i+1:]
		}
	}
	return entries
}
