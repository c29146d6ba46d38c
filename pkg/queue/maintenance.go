package queue

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/adhocore/gronx"
	"github.com/charmbracelet/log"
)

// Maintenance runs a periodic sweep (compression checks and similar
// housekeeping) on a cron schedule.
type Maintenance struct {
	expr   string
	gron   *gronx.Gronx
	fn     func(ctx context.Context)
	logger *log.Logger
}

func NewMaintenance(expr string, fn func(ctx context.Context), logger *log.Logger) (*Maintenance, error) {
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("invalid maintenance schedule %q", expr)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Maintenance{
		expr:   expr,
		gron:   g,
		fn:     fn,
		logger: logger.With("component", "maintenance"),
	}, nil
}

// Run checks the schedule every 30 seconds until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := m.gron.IsDue(m.expr, time.Now())
			if err != nil {
				m.logger.Warn("schedule check failed", "err", err)
				continue
			}
			if due {
				m.fn(ctx)
			}
		}
	}
}
