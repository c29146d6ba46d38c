package queue

import (
	"fmt"
	"time"
)

// Status is the observable state of the background processor.
type Status struct {
	QueueSize             int
	ActiveTasks           int
	ProcessingRate        float64 // exponentially weighted completions per minute
	AverageProcessingTime time.Duration
	BacklogAge            time.Duration
	TotalProcessed        uint64
	TotalFailed           uint64
}

// Status returns a snapshot of queue health.
func (p *Processor) Status() Status {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.decayRateLocked(now)

	st := Status{
		QueueSize:      p.size,
		ActiveTasks:    p.active,
		ProcessingRate: p.rate,
		TotalProcessed: p.totalDone,
		TotalFailed:    p.totalFailed,
	}
	if p.totalDone > 0 {
		st.AverageProcessingTime = p.totalTime / time.Duration(p.totalDone)
	}
	var oldest time.Time
	for _, tasks := range p.queues {
		for _, t := range tasks {
			if oldest.IsZero() || t.EnqueuedAt.Before(oldest) {
				oldest = t.EnqueuedAt
			}
		}
	}
	if !oldest.IsZero() {
		st.BacklogAge = now.Sub(oldest)
	}
	return st
}

// Alerts renders informational warnings for operators; nothing here
// changes behavior.
func (st Status) Alerts() []string {
	var alerts []string
	if st.QueueSize > 50 {
		alerts = append(alerts, fmt.Sprintf("queue size %d exceeds 50", st.QueueSize))
	}
	if st.BacklogAge > 300*time.Second {
		alerts = append(alerts, fmt.Sprintf("backlog age %s exceeds 300s", st.BacklogAge.Round(time.Second)))
	}
	total := st.TotalProcessed
	if total > 0 {
		rate := float64(st.TotalFailed) / float64(total)
		if rate > 0.10 {
			alerts = append(alerts, fmt.Sprintf("failure rate %.0f%% exceeds 10%%", rate*100))
		}
	}
	if st.QueueSize > 0 && st.ProcessingRate < 0.5 {
		alerts = append(alerts, "processing rate below 0.5/min with a non-empty queue")
	}
	return alerts
}
