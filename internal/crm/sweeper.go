package crm

import (
	"context"
	"errors"
	"time"

	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// Sweeper periodically reconciles every dirty lead, bounding how stale the
// pipeline can get when synchronous reconciliation after a turn failed.
type Sweeper struct {
	reconciler *Reconciler
	leads      store.LeadRepository
	interval   time.Duration
	logger     *logging.Logger
}

func NewSweeper(reconciler *Reconciler, leads store.LeadRepository, logger *logging.Logger) *Sweeper {
	if reconciler == nil {
		panic("crm: reconciler cannot be nil")
	}
	if leads == nil {
		panic("crm: lead repository cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		reconciler: reconciler,
		leads:      leads,
		interval:   5 * time.Minute,
		logger:     logger,
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
	dirty, err := s.leads.ListDirty(ctx)
	if err != nil {
		s.logger.Error("crm sweep fetch failed", "error", err)
		return
	}
	synced := 0
	for _, lead := range dirty {
		if err := s.reconciler.Reconcile(ctx, lead); err != nil {
			if errors.Is(err, ErrUnmappedStage) {
				s.logger.Error("crm stage map incomplete", "error", err, "lead_id", lead.ID, "stage", lead.Stage)
			} else {
				s.logger.Error("crm sweep reconcile failed", "error", err, "lead_id", lead.ID)
			}
			continue
		}
		synced++
	}
	if len(dirty) > 0 {
		s.logger.Info("crm sweep finished", "dirty", len(dirty), "synced", synced)
	}
}
