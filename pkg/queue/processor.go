package queue

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotsetgreg/mnemo/pkg/model"
)

// Options configures the in-process processor.
type Options struct {
	Workers       int
	MaxQueue      int
	EnqueueWait   time.Duration
	TaskDeadline  time.Duration
	ShutdownGrace time.Duration
	Spill         *FileQueue // overflow and shutdown spill target, may be nil
	Recorder      Recorder   // optional
	Logger        *log.Logger
}

// Processor is the bounded in-process task queue. Tasks for the same
// session run in enqueue order with at most one in flight; different
// sessions run in parallel across the worker pool.
type Processor struct {
	opts    Options
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]Task
	order   []string
	running map[string]bool
	size    int
	closed  bool

	active      int
	totalDone   uint64
	totalFailed uint64
	totalTime   time.Duration
	rate        float64
	rateAt      time.Time

	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewProcessor(handler Handler, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 50
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = time.Second
	}
	if opts.TaskDeadline <= 0 {
		opts.TaskDeadline = 5 * time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	opts.Logger = opts.Logger.With("component", "queue")

	p := &Processor{
		opts:    opts,
		handler: handler,
		queues:  make(map[string][]Task),
		running: make(map[string]bool),
	}
	p.cond = sync.NewCond(&p.mu)
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue adds a task, blocking briefly when the queue is full. On
// timeout the task spills to the inter-process file; tasks are never
// dropped.
func (p *Processor) Enqueue(task Task) error {
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	deadline := time.Now().Add(p.opts.EnqueueWait)
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return p.spill(task)
		}
		if p.size < p.opts.MaxQueue {
			break
		}
		if p.opts.Spill != nil && time.Now().After(deadline) {
			p.mu.Unlock()
			p.opts.Logger.Warn("queue full, spilling to file", "task", task.ID)
			return p.spill(task)
		}
		waitCond(p.cond, 100*time.Millisecond)
	}

	if _, ok := p.queues[task.SessionGUID]; !ok {
		p.order = append(p.order, task.SessionGUID)
	}
	p.queues[task.SessionGUID] = append(p.queues[task.SessionGUID], task)
	p.size++
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

func (p *Processor) spill(task Task) error {
	if p.opts.Spill == nil {
		return ErrQueueClosed
	}
	return p.opts.Spill.Append(model.QueueEntry{
		ConversationGUID: task.TurnGUID,
		ConversationText: task.ConversationText,
		DigestText:       task.DigestText,
		EnqueuedAt:       task.EnqueuedAt,
	})
}

// waitCond waits on c with an upper bound, so Enqueue can re-check its
// spill deadline.
func waitCond(c *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, c.Broadcast)
	defer timer.Stop()
	c.Wait()
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		task, session, ok := p.next()
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(p.baseCtx, p.opts.TaskDeadline)
		start := time.Now()
		err := p.handler(ctx, task)
		cancel()
		duration := time.Since(start)

		if p.opts.Recorder != nil {
			p.opts.Recorder.RecordTask("background_task", duration, err == nil)
		}

		p.mu.Lock()
		p.active--
		p.running[session] = false
		if len(p.queues[session]) == 0 {
			delete(p.queues, session)
			p.dropFromOrder(session)
		}
		p.totalDone++
		p.totalTime += duration
		if err != nil {
			p.totalFailed++
			p.opts.Logger.Error("background task failed",
				"task", task.ID, "turn", task.TurnGUID, "duration", duration, "err", err)
		} else {
			p.decayRateLocked(time.Now())
			p.rate++
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// next blocks until a session with pending work and no task in flight
// is available, honoring arrival order across sessions.
func (p *Processor) next() (Task, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.baseCtx.Err() != nil {
			return Task{}, "", false
		}
		for _, session := range p.order {
			if p.running[session] || len(p.queues[session]) == 0 {
				continue
			}
			task := p.queues[session][0]
			p.queues[session] = p.queues[session][1:]
			p.running[session] = true
			p.size--
			p.active++
			return task, session, true
		}
		if p.closed && p.size == 0 {
			return Task{}, "", false
		}
		waitCond(p.cond, 200*time.Millisecond)
	}
}

// decayRateLocked ages the completion-rate average to now. The decay
// uses a one-minute time constant, so the value reads as completions
// per minute. Callers hold mu.
func (p *Processor) decayRateLocked(now time.Time) {
	if !p.rateAt.IsZero() {
		if dt := now.Sub(p.rateAt); dt > 0 {
			p.rate *= math.Exp(-dt.Minutes())
		}
	}
	p.rateAt = now
}

func (p *Processor) dropFromOrder(session string) {
	for i, s := range p.order {
		if s == session {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// Close stops intake, drains for the grace period, persists whatever
// is still queued to the inter-process file, and waits for in-flight
// work to finish or hit its deadline.
func (p *Processor) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.cond.Broadcast()
		p.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(p.opts.ShutdownGrace):
			err = p.persistRemaining()
			p.cancel()
			<-drained
		}
		p.cancel()
	})
	return err
}

func (p *Processor) persistRemaining() error {
	p.mu.Lock()
	var remaining []Task
	for _, session := range p.order {
		remaining = append(remaining, p.queues[session]...)
		p.queues[session] = nil
	}
	p.size = 0
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, task := range remaining {
		if spillErr := p.spill(task); spillErr != nil {
			p.opts.Logger.Error("failed to persist queued task on shutdown",
				"task", task.ID, "err", spillErr)
			return spillErr
		}
	}
	if len(remaining) > 0 {
		p.opts.Logger.Info("persisted queued tasks on shutdown", "count", len(remaining))
	}
	return nil
}
