package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLeadRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	lead := &Lead{Phone: "+5511999990000", Name: "Ana"}
	require.NoError(t, mem.Leads.Create(ctx, lead))
	require.NotEmpty(t, lead.ID)
	assert.Equal(t, StageNew, lead.Stage)

	byPhone, err := mem.Leads.GetByPhone(ctx, "+5511999990000")
	require.NoError(t, err)
	assert.Equal(t, lead.ID, byPhone.ID)

	byPhone.BillCents = 45000
	byPhone.AddTag("plan:premium")
	require.NoError(t, mem.Leads.Update(ctx, byPhone))

	got, err := mem.Leads.GetByID(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(45000), got.BillCents)
	assert.True(t, got.HasTag("plan:premium"))

	_, err = mem.Leads.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestMemoryCreateLeadRequiresPhone(t *testing.T) {
	mem := NewMemory()
	err := mem.Leads.Create(context.Background(), &Lead{Name: "no phone"})
	assert.ErrorIs(t, err, ErrMissingPhone)
}

func TestMemoryActiveConversation(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	conv := &Conversation{LeadID: "lead-1"}
	require.NoError(t, mem.Conversations.Create(ctx, conv))

	active, err := mem.Conversations.Active(ctx, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, conv.ID, active.ID)

	require.NoError(t, mem.Conversations.End(ctx, conv.ID))

	active, err = mem.Conversations.Active(ctx, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestMemoryFollowUpSinglePendingPerRung(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	fu := &FollowUp{LeadID: "lead-1", ConversationID: "conv-1", Rung: 1, ScheduledAt: time.Now()}
	require.NoError(t, mem.FollowUps.Create(ctx, fu))

	dup := &FollowUp{LeadID: "lead-1", ConversationID: "conv-1", Rung: 1, ScheduledAt: time.Now()}
	assert.ErrorIs(t, mem.FollowUps.Create(ctx, dup), ErrPendingFollowUpExists)

	// A different rung is fine once the first is resolved; while rung 1 is
	// pending HasPending still reports true.
	pending, err := mem.FollowUps.HasPending(ctx, "lead-1")
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestMemoryFollowUpClaimAtMostOnce(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	fu := &FollowUp{LeadID: "lead-1", ConversationID: "conv-1", Rung: 1, ScheduledAt: time.Now().Add(-time.Minute)}
	require.NoError(t, mem.FollowUps.Create(ctx, fu))

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := mem.FollowUps.MarkSent(ctx, fu.ID)
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	total := 0
	for won := range wins {
		if won {
			total++
		}
	}
	assert.Equal(t, 1, total, "exactly one worker must win the pending row")
}

func TestMemoryFollowUpCancelPending(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	fu := &FollowUp{LeadID: "lead-1", ConversationID: "conv-1", Rung: 1, ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, mem.FollowUps.Create(ctx, fu))

	// Inbound after creation cancels; inbound before creation does not.
	n, err := mem.FollowUps.CancelPending(ctx, "lead-1", fu.CreatedAt.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = mem.FollowUps.CancelPending(ctx, "lead-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := mem.FollowUps.GetByID(ctx, fu.ID)
	require.NoError(t, err)
	assert.Equal(t, FollowUpCancelled, got.Status)

	// Already resolved: the sweep's claim is a no-op.
	won, err := mem.FollowUps.MarkSent(ctx, fu.ID)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMemoryListDirty(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	lead := &Lead{Phone: "+5511988887777"}
	require.NoError(t, mem.Leads.Create(ctx, lead))

	dirty, err := mem.Leads.ListDirty(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1, "never-synced lead is dirty")

	require.NoError(t, mem.SyncState.Put(ctx, lead.ID, SyncSnapshot{
		Stage:    StageNew,
		SyncedAt: time.Now().UTC().Add(time.Second),
	}))

	dirty, err = mem.Leads.ListDirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	got, err := mem.Leads.GetByID(ctx, lead.ID)
	require.NoError(t, err)
	got.Score = 10
	require.NoError(t, mem.Leads.Update(ctx, got))

	dirty, err = mem.Leads.ListDirty(ctx)
	require.NoError(t, err)
	assert.Len(t, dirty, 1, "update after sync marks the lead dirty again")
}

func TestMemoryMessagesRecent(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	for i := 0; i < 5; i++ {
		require.NoError(t, mem.Messages.Append(ctx, &Message{
			ConversationID: "conv-1",
			Direction:      DirectionInbound,
			Content:        string(rune('a' + i)),
		}))
	}

	recent, err := mem.Messages.Recent(ctx, "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].Content)
	assert.Equal(t, "e", recent[2].Content)
}
