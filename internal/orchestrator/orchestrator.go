// Package orchestrator drives the conversation lifecycle: it receives
// inbound messages, consolidates bursts into turns, runs the reply engine,
// merges extracted facts into the lead, and triggers delivery, follow-up
// arming and CRM reconciliation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/suntrack/sales-agent/internal/buffer"
	"github.com/suntrack/sales-agent/internal/calendar"
	"github.com/suntrack/sales-agent/internal/crm"
	"github.com/suntrack/sales-agent/internal/engine"
	"github.com/suntrack/sales-agent/internal/locks"
	"github.com/suntrack/sales-agent/internal/observability/metrics"
	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

var orchestratorTracer = otel.Tracer("salesagent.internal.orchestrator")

const (
	turnLockTTL      = 2 * time.Minute
	turnLockAttempts = 3
	historyLimit     = 20
)

// InboundMessage is one raw inbound message from the channel webhook.
type InboundMessage struct {
	Phone    string    `json:"phone"`
	Name     string    `json:"name,omitempty"`
	Text     string    `json:"text,omitempty"`
	MediaRef string    `json:"media_ref,omitempty"`
	At       time.Time `json:"at"`
}

// Deliverer sends a paced reply into a conversation.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID, recipient, reply string) error
}

// FollowUps arms and cancels the escalation ladder.
type FollowUps interface {
	Arm(ctx context.Context, lead *store.Lead, conv *store.Conversation) error
	CancelOnInbound(ctx context.Context, leadID string, at time.Time) error
}

// Reconciler pushes lead state to the CRM pipeline.
type Reconciler interface {
	Reconcile(ctx context.Context, lead *store.Lead) error
}

// Notifier alerts the sales team.
type Notifier interface {
	LeadQualified(ctx context.Context, lead *store.Lead) error
}

// Config tunes the turn pipeline.
type Config struct {
	EngineProvider  string
	EngineTimeout   time.Duration
	EngineMaxTokens int32
	FallbackReply   string
	QualifyCents    int64
}

func (c *Config) applyDefaults() {
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = 30 * time.Second
	}
	if c.FallbackReply == "" {
		c.FallbackReply = "Desculpe, tive um problema aqui. Pode repetir, por favor?"
	}
	if c.QualifyCents <= 0 {
		c.QualifyCents = 40000
	}
}

// Orchestrator coordinates one turn at a time per lead.
type Orchestrator struct {
	leads      store.LeadRepository
	convs      store.ConversationRepository
	messages   store.MessageRepository
	buffer     *buffer.Buffer
	locks      *locks.Manager
	engine     engine.Engine
	deliverer  Deliverer
	followups  FollowUps
	reconciler Reconciler
	calendar   calendar.Calendar
	notifier   Notifier
	metrics    *metrics.LifecycleMetrics
	cfg        Config
	logger     *logging.Logger
	now        func() time.Time
}

func New(
	leads store.LeadRepository,
	convs store.ConversationRepository,
	messages store.MessageRepository,
	lockManager *locks.Manager,
	eng engine.Engine,
	deliverer Deliverer,
	followups FollowUps,
	cfg Config,
	logger *logging.Logger,
) *Orchestrator {
	if leads == nil || convs == nil || messages == nil {
		panic("orchestrator: repositories cannot be nil")
	}
	if lockManager == nil {
		panic("orchestrator: lock manager cannot be nil")
	}
	if eng == nil {
		panic("orchestrator: engine cannot be nil")
	}
	if deliverer == nil {
		panic("orchestrator: deliverer cannot be nil")
	}
	if followups == nil {
		panic("orchestrator: follow-up scheduler cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	return &Orchestrator{
		leads:     leads,
		convs:     convs,
		messages:  messages,
		buffer:    buffer.New(),
		locks:     lockManager,
		engine:    eng,
		deliverer: deliverer,
		followups: followups,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithReconciler sets the CRM reconciler triggered after each turn.
func (o *Orchestrator) WithReconciler(r Reconciler) *Orchestrator {
	o.reconciler = r
	return o
}

// WithCalendar enables visit scheduling.
func (o *Orchestrator) WithCalendar(c calendar.Calendar) *Orchestrator {
	o.calendar = c
	return o
}

// WithNotifier sets the sales-team notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithMetrics sets the lifecycle metrics sink.
func (o *Orchestrator) WithMetrics(m *metrics.LifecycleMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithClock replaces the time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// HandleInbound ingests one raw message and processes every consolidated
// turn it unlocks. Messages arriving while a turn is in flight are buffered
// and dispatched as the next turn when the current one completes.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg InboundMessage) error {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.handle_inbound")
	defer span.End()

	phone := strings.TrimSpace(msg.Phone)
	if phone == "" {
		return store.ErrMissingPhone
	}
	if msg.At.IsZero() {
		msg.At = o.now()
	}
	span.SetAttributes(attribute.String("salesagent.phone", phone))

	lead, err := o.upsertLead(ctx, phone, msg.Name)
	if err != nil {
		return err
	}
	conv, err := o.activeConversation(ctx, lead.ID)
	if err != nil {
		return err
	}

	if err := o.messages.Append(ctx, &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionInbound,
		Content:        msg.Text,
		MediaRef:       msg.MediaRef,
		Status:         store.MessageSent,
	}); err != nil {
		return fmt.Errorf("orchestrator: failed to persist inbound: %w", err)
	}
	if err := o.convs.TouchInbound(ctx, conv.ID, msg.At); err != nil {
		return fmt.Errorf("orchestrator: failed to touch inbound: %w", err)
	}
	if err := o.followups.CancelOnInbound(ctx, lead.ID, msg.At); err != nil {
		o.logger.Error("failed to cancel follow-ups on inbound", "error", err, "lead_id", lead.ID)
	}

	turn, dispatch := o.buffer.Ingest(phone, buffer.Inbound{
		Text:     msg.Text,
		MediaRef: msg.MediaRef,
		At:       msg.At,
	})
	if !dispatch {
		o.logger.Debug("message buffered behind in-flight turn", "lead_id", lead.ID)
		return nil
	}

	for turn != nil {
		if err := o.processTurn(ctx, lead.ID, conv.ID, turn); err != nil {
			o.buffer.Abort(phone)
			o.metrics.ObserveTurn("error")
			return err
		}
		turn = o.buffer.Complete(phone)
	}
	return nil
}

func (o *Orchestrator) upsertLead(ctx context.Context, phone, name string) (*store.Lead, error) {
	lead, err := o.leads.GetByPhone(ctx, phone)
	if errors.Is(err, store.ErrLeadNotFound) {
		lead = &store.Lead{Phone: phone, Name: name, Stage: store.StageNew}
		if err := o.leads.Create(ctx, lead); err != nil {
			return nil, fmt.Errorf("orchestrator: failed to create lead: %w", err)
		}
		o.logger.Info("new lead created", "lead_id", lead.ID, "phone", phone)
		return lead, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to load lead: %w", err)
	}
	if lead.Name == "" && name != "" {
		lead.Name = name
		if err := o.leads.Update(ctx, lead); err != nil {
			o.logger.Error("failed to store lead name", "error", err, "lead_id", lead.ID)
		}
	}
	return lead, nil
}

func (o *Orchestrator) activeConversation(ctx context.Context, leadID string) (*store.Conversation, error) {
	conv, err := o.convs.Active(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to load conversation: %w", err)
	}
	if conv != nil {
		return conv, nil
	}
	conv = &store.Conversation{LeadID: leadID}
	if err := o.convs.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("orchestrator: failed to create conversation: %w", err)
	}
	return conv, nil
}

func (o *Orchestrator) processTurn(ctx context.Context, leadID, convID string, turn *buffer.Turn) error {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.process_turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("salesagent.lead_id", leadID),
		attribute.Int("salesagent.turn_messages", turn.Count),
	)

	lease, err := o.acquireTurnLock(ctx, leadID)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	lead, err := o.leads.GetByID(ctx, leadID)
	if err != nil {
		return fmt.Errorf("orchestrator: failed to reload lead: %w", err)
	}

	reply, facts := o.generateReply(ctx, lead, convID, turn)

	o.mergeFacts(ctx, lead, facts)
	if facts.ScheduleIntent && o.calendar != nil {
		if line := o.scheduleVisit(ctx, lead); line != "" {
			reply = reply + "\n\n" + line
		}
	}
	if err := o.leads.Update(ctx, lead); err != nil {
		return fmt.Errorf("orchestrator: failed to update lead: %w", err)
	}

	if err := o.deliverer.Deliver(ctx, convID, lead.Phone, reply); err != nil {
		return fmt.Errorf("orchestrator: delivery failed: %w", err)
	}
	if err := o.convs.TouchOutbound(ctx, convID, o.now()); err != nil {
		o.logger.Error("failed to touch outbound", "error", err, "conversation_id", convID)
	}

	conv, err := o.convs.GetByID(ctx, convID)
	if err == nil {
		if err := o.followups.Arm(ctx, lead, conv); err != nil {
			o.logger.Error("failed to arm follow-up", "error", err, "lead_id", lead.ID)
		}
	}

	if o.reconciler != nil {
		if err := o.reconciler.Reconcile(ctx, lead); err != nil {
			if errors.Is(err, crm.ErrUnmappedStage) {
				o.logger.Error("crm stage map incomplete", "error", err, "lead_id", lead.ID, "stage", lead.Stage)
			} else {
				o.logger.Error("crm reconcile failed", "error", err, "lead_id", lead.ID)
			}
		}
	}

	o.metrics.ObserveTurn("ok")
	return nil
}

// acquireTurnLock serializes turn processing per lead across workers.
func (o *Orchestrator) acquireTurnLock(ctx context.Context, leadID string) (*locks.Lease, error) {
	var lastErr error
	for attempt := 1; attempt <= turnLockAttempts; attempt++ {
		lease, err := o.locks.Acquire(ctx, leadID, "turn", turnLockTTL)
		if err == nil {
			return lease, nil
		}
		lastErr = err
		if !errors.Is(err, locks.ErrNotAcquired) {
			return nil, err
		}
		if attempt < turnLockAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(200+rand.Intn(300)) * time.Millisecond):
			}
		}
	}
	return nil, fmt.Errorf("orchestrator: turn lock busy for lead %s: %w", leadID, lastErr)
}

// generateReply runs the engine with a timeout and falls back to the
// configured apology when it fails. A fallback still counts as a reply so
// the pacing, follow-up and reconcile pipeline runs normally.
func (o *Orchestrator) generateReply(ctx context.Context, lead *store.Lead, convID string, turn *buffer.Turn) (string, engine.Facts) {
	history, err := o.messages.Recent(ctx, convID, historyLimit)
	if err != nil {
		o.logger.Error("failed to load history", "error", err, "conversation_id", convID)
	}

	req := engine.Request{
		System:    engine.SystemPrompt(lead),
		Messages:  chatHistory(history, turn.Text),
		MaxTokens: o.cfg.EngineMaxTokens,
	}

	engineCtx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()

	started := o.now()
	resp, err := o.engine.Reply(engineCtx, req)
	o.metrics.ObserveEngineLatency(o.cfg.EngineProvider, time.Since(started).Seconds())
	if err != nil {
		o.logger.Error("engine failed, using fallback reply", "error", err, "lead_id", lead.ID)
		o.metrics.ObserveTurn("fallback")
		return o.cfg.FallbackReply, engine.Facts{}
	}
	if strings.TrimSpace(resp.Reply) == "" {
		o.logger.Warn("engine returned empty reply, using fallback", "lead_id", lead.ID)
		return o.cfg.FallbackReply, engine.Facts{}
	}
	return resp.Reply, resp.Facts
}

// chatHistory maps persisted messages to engine roles, collapsing
// consecutive same-role entries so burst messages read as one turn. The
// consolidated turn text is guaranteed to be the final user entry.
func chatHistory(history []store.Message, turnText string) []engine.ChatMessage {
	var out []engine.ChatMessage
	for _, msg := range history {
		if msg.Status == store.MessageFailed || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := engine.ChatRoleUser
		if msg.Direction == store.DirectionOutbound {
			role = engine.ChatRoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + msg.Content
			continue
		}
		out = append(out, engine.ChatMessage{Role: role, Content: msg.Content})
	}

	if n := len(out); n > 0 && out[n-1].Role == engine.ChatRoleUser {
		out[n-1].Content = turnText
		return out
	}
	return append(out, engine.ChatMessage{Role: engine.ChatRoleUser, Content: turnText})
}

// mergeFacts folds engine extractions into the lead and advances the funnel.
func (o *Orchestrator) mergeFacts(ctx context.Context, lead *store.Lead, facts engine.Facts) {
	if facts.BillCentsDelta > 0 {
		lead.BillCents += facts.BillCentsDelta
		lead.BillCount++
	}
	if facts.PropertyType != "" {
		lead.PropertyType = facts.PropertyType
	}
	if facts.Plan != "" {
		lead.Plan = facts.Plan
		lead.AddTag("plan:" + strings.ToLower(facts.Plan))
	}
	if facts.DecisionMaker != nil {
		lead.DecisionMaker = facts.DecisionMaker
	}

	lead.Advance(store.StageQualifying)

	if lead.BillCents >= o.cfg.QualifyCents && lead.Advance(store.StageQualified) {
		lead.AddTag("qualificado")
		o.logger.Info("lead qualified", "lead_id", lead.ID, "bill_cents", lead.BillCents)
		if o.notifier != nil {
			if err := o.notifier.LeadQualified(ctx, lead); err != nil {
				o.logger.Error("qualification notification failed", "error", err, "lead_id", lead.ID)
			}
		}
	}
}

// scheduleVisit books the earliest open slot and returns the confirmation
// line appended to the reply. Failures are logged and return no line; the
// conversation continues without a booking.
func (o *Orchestrator) scheduleVisit(ctx context.Context, lead *store.Lead) string {
	if lead.Fields["calendar_event"] != "" {
		return ""
	}

	from := o.now().Add(24 * time.Hour)
	slots, err := o.calendar.FreeSlots(ctx, from, from.Add(7*24*time.Hour), time.Hour, 3)
	if err != nil {
		o.logger.Error("calendar availability check failed", "error", err, "lead_id", lead.ID)
		return ""
	}
	if len(slots) == 0 {
		o.logger.Warn("no free visit slots", "lead_id", lead.ID)
		return ""
	}

	slot := slots[0]
	eventID, err := o.calendar.Schedule(ctx, calendar.Visit{
		LeadName:  lead.Name,
		LeadPhone: lead.Phone,
		Slot:      slot,
	})
	if err != nil {
		o.logger.Error("visit booking failed", "error", err, "lead_id", lead.ID)
		return ""
	}

	if lead.Fields == nil {
		lead.Fields = make(map[string]string)
	}
	lead.Fields["calendar_event"] = eventID
	lead.Fields["visit_at"] = slot.Start.Format(time.RFC3339)
	lead.Advance(store.StageScheduled)
	o.logger.Info("visit scheduled", "lead_id", lead.ID, "event_id", eventID, "start", slot.Start)

	return fmt.Sprintf("Visita técnica agendada para %s. Qualquer coisa é só me avisar!",
		slot.Start.Format("02/01 às 15h04"))
}
