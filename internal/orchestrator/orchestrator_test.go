package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suntrack/sales-agent/internal/calendar"
	"github.com/suntrack/sales-agent/internal/engine"
	"github.com/suntrack/sales-agent/internal/locks"
	"github.com/suntrack/sales-agent/internal/queue"
	"github.com/suntrack/sales-agent/internal/store"
)

func newTestQueue(t *testing.T) queue.Queue {
	t.Helper()
	return queue.NewMemoryQueue(8)
}

type engineFunc func(ctx context.Context, req engine.Request) (engine.Response, error)

func (f engineFunc) Reply(ctx context.Context, req engine.Request) (engine.Response, error) {
	return f(ctx, req)
}

type recordingDeliverer struct {
	mu      sync.Mutex
	replies []string
}

func (d *recordingDeliverer) Deliver(ctx context.Context, conversationID, recipient, reply string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, reply)
	return nil
}

func (d *recordingDeliverer) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.replies...)
}

type recordingFollowUps struct {
	mu        sync.Mutex
	armed     int
	cancelled int
}

func (f *recordingFollowUps) Arm(ctx context.Context, lead *store.Lead, conv *store.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed++
	return nil
}

func (f *recordingFollowUps) CancelOnInbound(ctx context.Context, leadID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

type recordingReconciler struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingReconciler) Reconcile(ctx context.Context, lead *store.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	qualified []string
}

func (n *recordingNotifier) LeadQualified(ctx context.Context, lead *store.Lead) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.qualified = append(n.qualified, lead.ID)
	return nil
}

type fakeCalendar struct {
	slots     []calendar.Slot
	scheduled []calendar.Visit
}

func (c *fakeCalendar) FreeSlots(ctx context.Context, from, to time.Time, d time.Duration, max int) ([]calendar.Slot, error) {
	return c.slots, nil
}

func (c *fakeCalendar) Schedule(ctx context.Context, visit calendar.Visit) (string, error) {
	c.scheduled = append(c.scheduled, visit)
	return "evt-1", nil
}

func (c *fakeCalendar) Cancel(ctx context.Context, eventID string) error { return nil }

type world struct {
	mem        *store.Memory
	orch       *Orchestrator
	deliverer  *recordingDeliverer
	followups  *recordingFollowUps
	reconciler *recordingReconciler
	notifier   *recordingNotifier
}

func newWorld(t *testing.T, eng engine.Engine) *world {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := store.NewMemory()
	deliverer := &recordingDeliverer{}
	followups := &recordingFollowUps{}
	reconciler := &recordingReconciler{}
	notifier := &recordingNotifier{}

	orch := New(
		mem.Leads, mem.Conversations, mem.Messages,
		locks.NewManager(client, nil),
		eng, deliverer, followups,
		Config{QualifyCents: 40000, EngineTimeout: time.Second},
		nil,
	).WithReconciler(reconciler).WithNotifier(notifier)

	return &world{
		mem:        mem,
		orch:       orch,
		deliverer:  deliverer,
		followups:  followups,
		reconciler: reconciler,
		notifier:   notifier,
	}
}

func staticEngine(reply string, facts engine.Facts) engine.Engine {
	return engineFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		return engine.Response{Reply: reply, Facts: facts}, nil
	})
}

func TestHandleInboundNewLead(t *testing.T) {
	w := newWorld(t, staticEngine("Oi! Sou a Sofia, da SunTrack. Quanto vem sua conta de luz?", engine.Facts{}))
	ctx := context.Background()

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "oi"}))

	lead, err := w.mem.Leads.GetByPhone(ctx, "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, store.StageQualifying, lead.Stage)

	conv, err := w.mem.Conversations.Active(ctx, lead.ID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.NotNil(t, conv.LastInboundAt)

	msgs, err := w.mem.Messages.Recent(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "inbound persisted; outbound is the deliverer's job")
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "oi", msgs[0].Content)

	replies := w.deliverer.all()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Sofia")

	assert.Equal(t, 1, w.followups.armed)
	assert.Equal(t, 1, w.followups.cancelled)
	assert.Equal(t, 1, w.reconciler.calls)
}

func TestHandleInboundRequiresPhone(t *testing.T) {
	w := newWorld(t, staticEngine("oi", engine.Facts{}))
	err := w.orch.HandleInbound(context.Background(), InboundMessage{Text: "oi"})
	assert.ErrorIs(t, err, store.ErrMissingPhone)
}

func TestBurstConsolidatesIntoSecondTurn(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var requests []engine.Request
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		mu.Lock()
		first := len(requests) == 0
		requests = append(requests, req)
		mu.Unlock()
		if first {
			<-gate
		}
		return engine.Response{Reply: "certo!"}, nil
	})

	w := newWorld(t, eng)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "minha conta"})
	}()

	// Wait for the first turn to reach the engine, then pile on two more
	// messages while it is in flight.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requests) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "vem uns 400"}))
	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "as vezes mais"}))

	close(gate)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2, "two buffered messages become one consolidated turn")
	second := requests[1].Messages[len(requests[1].Messages)-1]
	assert.Equal(t, engine.ChatRoleUser, second.Role)
	assert.Equal(t, "vem uns 400\nas vezes mais", second.Content)
	assert.Len(t, w.deliverer.all(), 2)
}

func TestEngineFailureUsesFallback(t *testing.T) {
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		return engine.Response{}, errors.New("model timeout")
	})
	w := newWorld(t, eng)
	ctx := context.Background()

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "oi"}))

	replies := w.deliverer.all()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Desculpe, tive um problema aqui")
	assert.Equal(t, 1, w.followups.armed, "fallback still arms the ladder")
}

func TestFactsMergeAndQualification(t *testing.T) {
	w := newWorld(t, staticEngine("Ótimo caso pra solar!", engine.Facts{
		BillCentsDelta: 45000,
		PropertyType:   "casa",
		Plan:           "Premium",
	}))
	ctx := context.Background()

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "pago 450 por mes"}))

	lead, err := w.mem.Leads.GetByPhone(ctx, "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, int64(45000), lead.BillCents)
	assert.Equal(t, 1, lead.BillCount)
	assert.Equal(t, "casa", lead.PropertyType)
	assert.Equal(t, store.StageQualified, lead.Stage)
	assert.True(t, lead.HasTag("plan:premium"))
	assert.True(t, lead.HasTag("qualificado"))
	assert.Len(t, w.notifier.qualified, 1)
}

func TestBillDeltasAccumulate(t *testing.T) {
	var calls int
	eng := engineFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		calls++
		if calls == 1 {
			return engine.Response{Reply: "entendi", Facts: engine.Facts{BillCentsDelta: 25000}}, nil
		}
		return engine.Response{Reply: "anotado", Facts: engine.Facts{BillCentsDelta: 20000}}, nil
	})
	w := newWorld(t, eng)
	ctx := context.Background()

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "pago 250"}))
	lead, err := w.mem.Leads.GetByPhone(ctx, "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, store.StageQualifying, lead.Stage, "below threshold after first bill")

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "e mais 200 na casa de praia"}))
	lead, err = w.mem.Leads.GetByPhone(ctx, "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, int64(45000), lead.BillCents)
	assert.Equal(t, 2, lead.BillCount)
	assert.Equal(t, store.StageQualified, lead.Stage, "running total crosses the threshold")
}

func TestScheduleIntentBooksVisit(t *testing.T) {
	slotStart := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{slots: []calendar.Slot{{Start: slotStart, End: slotStart.Add(time.Hour)}}}

	w := newWorld(t, staticEngine("Vamos agendar!", engine.Facts{
		BillCentsDelta: 50000,
		ScheduleIntent: true,
	}))
	w.orch.WithCalendar(cal)
	ctx := context.Background()

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Name: "Marina", Text: "pode marcar uma visita"}))

	lead, err := w.mem.Leads.GetByPhone(ctx, "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, store.StageScheduled, lead.Stage)
	assert.Equal(t, "evt-1", lead.Fields["calendar_event"])
	assert.Equal(t, slotStart.Format(time.RFC3339), lead.Fields["visit_at"])

	require.Len(t, cal.scheduled, 1)
	assert.Equal(t, "Marina", cal.scheduled[0].LeadName)

	replies := w.deliverer.all()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "02/09")
}

func TestScheduleIntentIdempotentPerLead(t *testing.T) {
	cal := &fakeCalendar{slots: []calendar.Slot{{
		Start: time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 2, 11, 0, 0, 0, time.UTC),
	}}}
	w := newWorld(t, staticEngine("fechado", engine.Facts{ScheduleIntent: true}))
	w.orch.WithCalendar(cal)
	ctx := context.Background()

	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "marca ai"}))
	require.NoError(t, w.orch.HandleInbound(ctx, InboundMessage{Phone: "+5511999990000", Text: "confirmado?"}))

	assert.Len(t, cal.scheduled, 1, "an existing event is never double-booked")
}

func TestPublisherWorkerRoundTrip(t *testing.T) {
	w := newWorld(t, staticEngine("Oi!", engine.Facts{}))
	ctx := context.Background()

	q := newTestQueue(t)
	publisher := NewPublisher(q)
	worker := NewWorker(q, w.orch, nil)

	require.NoError(t, publisher.Publish(ctx, InboundMessage{Phone: "+5511999990000", Text: "oi"}))

	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	worker.handle(ctx, msgs[0])

	assert.Len(t, w.deliverer.all(), 1)

	// A poison message is dropped without touching the orchestrator.
	require.NoError(t, q.Send(ctx, "{not json"))
	msgs, err = q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	worker.handle(ctx, msgs[0])
	assert.Len(t, w.deliverer.all(), 1)
}
