package pacer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suntrack/sales-agent/internal/channel"
	"github.com/suntrack/sales-agent/internal/store"
)

type fakeChannel struct {
	mu        sync.Mutex
	sent      []string
	presences []channel.Presence
	failFirst int
	failAll   bool
}

func (f *fakeChannel) SendText(ctx context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("gateway down")
	}
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("transient")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) SendPresence(ctx context.Context, recipient string, state channel.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, state)
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestPacer(ch *fakeChannel, cfg Config) (*Pacer, *store.Memory) {
	mem := store.NewMemory()
	return New(ch, mem.Messages, cfg, nil).WithSleeper(noSleep), mem
}

func seedConversation(t *testing.T, mem *store.Memory) *store.Conversation {
	t.Helper()
	ctx := context.Background()
	lead := &store.Lead{Phone: "+5511999990000"}
	require.NoError(t, mem.Leads.Create(ctx, lead))
	conv := &store.Conversation{LeadID: lead.ID}
	require.NoError(t, mem.Conversations.Create(ctx, conv))
	return conv
}

func TestDeliverSendsSegmentsInOrder(t *testing.T) {
	ch := &fakeChannel{}
	p, mem := newTestPacer(ch, Config{MaxSegmentLen: 40})
	conv := seedConversation(t, mem)

	reply := "Oi, tudo bem? Sou da SunTrack.\n\nQuanto vem a sua conta de luz por mês?"
	require.NoError(t, p.Deliver(context.Background(), conv.ID, "+5511999990000", reply))

	require.Len(t, ch.sent, 3)
	assert.Equal(t, "Oi, tudo bem? Sou da SunTrack.", ch.sent[0])
	assert.Equal(t, strings.Join(ch.sent, " "), "Oi, tudo bem? Sou da SunTrack. Quanto vem a sua conta de luz por mês?")

	msgs, err := mem.Messages.Recent(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, store.DirectionOutbound, m.Direction)
		assert.Equal(t, store.MessageSent, m.Status)
		assert.Equal(t, i, m.Segment)
	}
}

func TestDeliverEmptyReplyIsNoop(t *testing.T) {
	ch := &fakeChannel{}
	p, mem := newTestPacer(ch, Config{})
	conv := seedConversation(t, mem)

	require.NoError(t, p.Deliver(context.Background(), conv.ID, "+5511999990000", "   "))
	assert.Empty(t, ch.sent)
	assert.Empty(t, ch.presences)
}

func TestDeliverSignalsComposingBeforeEachSegment(t *testing.T) {
	ch := &fakeChannel{}
	p, mem := newTestPacer(ch, Config{MaxSegmentLen: 20})
	conv := seedConversation(t, mem)

	require.NoError(t, p.Deliver(context.Background(), conv.ID, "+5511999990000", "Primeira frase aqui. Segunda frase aqui."))

	require.Len(t, ch.sent, 2)
	require.Len(t, ch.presences, 3)
	assert.Equal(t, channel.PresenceComposing, ch.presences[0])
	assert.Equal(t, channel.PresenceComposing, ch.presences[1])
	assert.Equal(t, channel.PresencePaused, ch.presences[2])
}

func TestDeliverRetriesTransientSendFailures(t *testing.T) {
	ch := &fakeChannel{failFirst: 2}
	p, mem := newTestPacer(ch, Config{MaxAttempts: 3})
	conv := seedConversation(t, mem)

	require.NoError(t, p.Deliver(context.Background(), conv.ID, "+5511999990000", "oi"))
	require.Len(t, ch.sent, 1)
}

func TestDeliverPersistsFailedSegmentAndStops(t *testing.T) {
	ch := &fakeChannel{failAll: true}
	p, mem := newTestPacer(ch, Config{MaxAttempts: 2, MaxSegmentLen: 20})
	conv := seedConversation(t, mem)

	err := p.Deliver(context.Background(), conv.ID, "+5511999990000", "Primeira frase aqui. Segunda frase aqui.")
	require.Error(t, err)
	assert.Empty(t, ch.sent)

	msgs, mErr := mem.Messages.Recent(context.Background(), conv.ID, 10)
	require.NoError(t, mErr)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageFailed, msgs[0].Status)
	assert.Equal(t, 0, msgs[0].Segment)
}

func TestDeliverStopsWhenContextCancelled(t *testing.T) {
	ch := &fakeChannel{}
	p, mem := newTestPacer(ch, Config{})
	conv := seedConversation(t, mem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Deliver(ctx, conv.ID, "+5511999990000", "oi")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ch.sent)
}

func TestInitialDelayClampsToWindow(t *testing.T) {
	p, _ := newTestPacer(&fakeChannel{}, Config{
		MinInitialDelay: 2 * time.Second,
		MaxInitialDelay: 8 * time.Second,
	})

	assert.Equal(t, 2*time.Second, p.initialDelay("oi"))
	assert.Equal(t, 8*time.Second, p.initialDelay(strings.Repeat("a", 500)))

	mid := p.initialDelay(strings.Repeat("a", 60))
	assert.Equal(t, 5*time.Second, mid)
}
