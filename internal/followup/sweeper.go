package followup

import (
	"context"
	"time"

	"github.com/suntrack/sales-agent/pkg/logging"
)

// Sweeper periodically fires due follow-ups. Cancellation never touches
// this loop: a cancelled row simply fails the pending re-check when its
// turn comes, so there are no timers to chase.
type Sweeper struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *logging.Logger
}

func NewSweeper(scheduler *Scheduler, logger *logging.Logger) *Sweeper {
	if scheduler == nil {
		panic("followup: scheduler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		scheduler: scheduler,
		interval:  15 * time.Second,
		logger:    logger,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	fired, err := s.scheduler.ExecuteDue(ctx)
	if err != nil {
		s.logger.Error("follow-up sweep failed", "error", err)
		return
	}
	if fired > 0 {
		s.logger.Info("follow-up sweep fired", "count", fired)
	}
}
