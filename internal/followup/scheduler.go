package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/suntrack/sales-agent/internal/locks"
	"github.com/suntrack/sales-agent/internal/observability/metrics"
	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

var schedulerTracer = otel.Tracer("salesagent.internal.followup.scheduler")

// executionLockTTL bounds how long a crashed worker can block a rung.
const executionLockTTL = 2 * time.Minute

// Deliverer sends a reply into the lead's conversation. Satisfied by the
// message pacer.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID, recipient, reply string) error
}

// Notifier alerts the sales team about lifecycle events.
type Notifier interface {
	LeadClosedNoResponse(ctx context.Context, lead *store.Lead) error
}

// Reconciler pushes lead state to the CRM pipeline.
type Reconciler interface {
	Reconcile(ctx context.Context, lead *store.Lead) error
}

// Scheduler arms, cancels and executes follow-ups. Execution is at-most-once
// per rung: a Redis lease serializes workers and the claim-guarded status
// transition decides the single winner.
type Scheduler struct {
	leads      store.LeadRepository
	convs      store.ConversationRepository
	followups  store.FollowUpRepository
	locks      *locks.Manager
	deliverer  Deliverer
	ladder     Ladder
	notifier   Notifier
	reconciler Reconciler
	metrics    *metrics.LifecycleMetrics
	logger     *logging.Logger
	now        func() time.Time
}

// NewScheduler wires a scheduler. Notifier and reconciler are optional.
func NewScheduler(
	leads store.LeadRepository,
	convs store.ConversationRepository,
	followups store.FollowUpRepository,
	lockManager *locks.Manager,
	deliverer Deliverer,
	ladder Ladder,
	logger *logging.Logger,
) *Scheduler {
	if leads == nil || convs == nil || followups == nil {
		panic("followup: repositories cannot be nil")
	}
	if lockManager == nil {
		panic("followup: lock manager cannot be nil")
	}
	if deliverer == nil {
		panic("followup: deliverer cannot be nil")
	}
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		leads:     leads,
		convs:     convs,
		followups: followups,
		locks:     lockManager,
		deliverer: deliverer,
		ladder:    ladder,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNotifier sets the sales-team notifier.
func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// WithReconciler sets the CRM reconciler invoked on terminal disposition.
func (s *Scheduler) WithReconciler(r Reconciler) *Scheduler {
	s.reconciler = r
	return s
}

// WithMetrics sets the lifecycle metrics sink.
func (s *Scheduler) WithMetrics(m *metrics.LifecycleMetrics) *Scheduler {
	s.metrics = m
	return s
}

// WithClock replaces the time source for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Arm schedules the first rung for a lead after an outbound reply. A lead
// with any pending follow-up keeps its existing schedule.
func (s *Scheduler) Arm(ctx context.Context, lead *store.Lead, conv *store.Conversation) error {
	if conv == nil || conv.Status != store.ConversationActive {
		return nil
	}
	if lead.Stage.Terminal() {
		return nil
	}

	pending, err := s.followups.HasPending(ctx, lead.ID)
	if err != nil {
		return fmt.Errorf("followup: failed to check pending: %w", err)
	}
	if pending {
		return nil
	}

	base := s.now()
	if conv.LastOutboundAt != nil {
		base = *conv.LastOutboundAt
	}
	return s.schedule(ctx, lead, conv.ID, 1, base)
}

// CancelOnInbound voids every pending follow-up created before the inbound
// message arrived. A rung armed concurrently after the inbound survives,
// which is correct: it was scheduled off the newer outbound reply.
func (s *Scheduler) CancelOnInbound(ctx context.Context, leadID string, at time.Time) error {
	n, err := s.followups.CancelPending(ctx, leadID, at)
	if err != nil {
		return fmt.Errorf("followup: failed to cancel pending: %w", err)
	}
	if n > 0 {
		s.metrics.ObserveFollowUpsCancelled(n)
		s.logger.Info("cancelled pending follow-ups", "lead_id", leadID, "count", n)
	}
	return nil
}

// ExecuteDue runs one sweep pass: fetch due pendings and execute each. Per
// follow-up failures are logged and do not abort the pass. Returns how many
// follow-ups this worker actually fired.
func (s *Scheduler) ExecuteDue(ctx context.Context) (int, error) {
	due, err := s.followups.Due(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("followup: failed to list due: %w", err)
	}

	fired := 0
	for _, fu := range due {
		ok, err := s.execute(ctx, fu)
		if err != nil {
			s.logger.Error("follow-up execution failed", "error", err, "followup_id", fu.ID, "lead_id", fu.LeadID, "rung", fu.Rung)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) execute(ctx context.Context, fu *store.FollowUp) (bool, error) {
	ctx, span := schedulerTracer.Start(ctx, "followup.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("salesagent.lead_id", fu.LeadID),
		attribute.Int("salesagent.rung", fu.Rung),
	)

	lease, err := s.locks.Acquire(ctx, fu.LeadID, fmt.Sprintf("followup:%d", fu.Rung), executionLockTTL)
	if errors.Is(err, locks.ErrNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer lease.Release(ctx)

	// The schedule we read before the lock is advisory only. Re-read the
	// durable row now that we hold the lease.
	cur, err := s.followups.GetByID(ctx, fu.ID)
	if err != nil {
		return false, err
	}
	if cur.Status != store.FollowUpPending {
		return false, nil
	}

	lead, err := s.leads.GetByID(ctx, cur.LeadID)
	if err != nil {
		return false, err
	}
	conv, err := s.convs.GetByID(ctx, cur.ConversationID)
	if err != nil {
		return false, err
	}

	if s.stale(cur, lead, conv) {
		if _, err := s.followups.MarkCancelled(ctx, cur.ID); err != nil {
			return false, err
		}
		s.metrics.ObserveFollowUpsCancelled(1)
		s.logger.Info("follow-up stale, cancelled", "followup_id", cur.ID, "lead_id", lead.ID, "rung", cur.Rung)
		return false, nil
	}

	rung, ok := s.ladder.RungAt(cur.Rung)
	if !ok {
		if _, err := s.followups.MarkCancelled(ctx, cur.ID); err != nil {
			return false, err
		}
		return false, fmt.Errorf("followup: rung %d outside ladder", cur.Rung)
	}

	reply := cur.Payload
	if reply == "" {
		reply = Render(rung.Strategy, lead)
	}
	if err := s.deliverer.Deliver(ctx, conv.ID, lead.Phone, reply); err != nil {
		if _, markErr := s.followups.MarkFailed(ctx, cur.ID); markErr != nil {
			s.logger.Error("failed to mark follow-up failed", "error", markErr, "followup_id", cur.ID)
		}
		s.metrics.ObserveFollowUp(cur.Rung, "failed")
		return false, fmt.Errorf("followup: delivery failed: %w", err)
	}

	won, err := s.followups.MarkSent(ctx, cur.ID)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	s.metrics.ObserveFollowUp(cur.Rung, "sent")

	// Record the send on the lead itself: the rung tag and the bumped
	// updated_at are what the CRM dirty-sweep picks up.
	lead.AddTag(fmt.Sprintf("followup-%d", cur.Rung))
	if err := s.leads.Update(ctx, lead); err != nil {
		s.logger.Error("failed to record follow-up on lead", "error", err, "lead_id", lead.ID)
	}

	now := s.now()
	if err := s.convs.TouchOutbound(ctx, conv.ID, now); err != nil {
		s.logger.Error("failed to touch conversation", "error", err, "conversation_id", conv.ID)
	}

	if s.ladder.Terminal(cur.Rung) {
		s.close(ctx, lead, conv)
		return true, nil
	}

	if err := s.schedule(ctx, lead, conv.ID, cur.Rung+1, now); err != nil {
		return true, fmt.Errorf("followup: failed to arm rung %d: %w", cur.Rung+1, err)
	}
	return true, nil
}

// stale reports whether events since the row was created void this rung.
func (s *Scheduler) stale(fu *store.FollowUp, lead *store.Lead, conv *store.Conversation) bool {
	if lead.Stage.Terminal() {
		return true
	}
	if conv.Status != store.ConversationActive {
		return true
	}
	return conv.LastInboundAt != nil && conv.LastInboundAt.After(fu.CreatedAt)
}

// close parks a lead that never answered the final rung.
func (s *Scheduler) close(ctx context.Context, lead *store.Lead, conv *store.Conversation) {
	if lead.Advance(store.StageNotInterested) {
		if err := s.leads.Update(ctx, lead); err != nil {
			s.logger.Error("failed to park lead", "error", err, "lead_id", lead.ID)
		}
	}
	if err := s.convs.End(ctx, conv.ID); err != nil {
		s.logger.Error("failed to end conversation", "error", err, "conversation_id", conv.ID)
	}
	if s.reconciler != nil {
		if err := s.reconciler.Reconcile(ctx, lead); err != nil {
			s.logger.Error("crm reconcile after close failed", "error", err, "lead_id", lead.ID)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.LeadClosedNoResponse(ctx, lead); err != nil {
			s.logger.Error("sales team notification failed", "error", err, "lead_id", lead.ID)
		}
	}
	s.logger.Info("lead closed after full escalation", "lead_id", lead.ID)
}

func (s *Scheduler) schedule(ctx context.Context, lead *store.Lead, convID string, rungNum int, base time.Time) error {
	rung, ok := s.ladder.RungAt(rungNum)
	if !ok {
		return fmt.Errorf("followup: rung %d outside ladder", rungNum)
	}
	fu := &store.FollowUp{
		LeadID:         lead.ID,
		ConversationID: convID,
		Rung:           rungNum,
		ScheduledAt:    base.Add(rung.Delay),
		Payload:        Render(rung.Strategy, lead),
	}
	if err := s.followups.Create(ctx, fu); err != nil {
		if errors.Is(err, store.ErrPendingFollowUpExists) {
			return nil
		}
		return fmt.Errorf("followup: failed to schedule rung %d: %w", rungNum, err)
	}
	s.logger.Info("follow-up armed", "lead_id", lead.ID, "rung", rungNum, "scheduled_at", fu.ScheduledAt, "strategy", rung.Strategy)
	return nil
}
