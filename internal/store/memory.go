package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory bundles in-memory implementations of every repository interface
// over one shared state. It backs component tests and local runs without
// Postgres.
type Memory struct {
	Leads         *MemoryLeadRepository
	Conversations *MemoryConversationRepository
	Messages      *MemoryMessageRepository
	FollowUps     *MemoryFollowUpRepository
	SyncState     *MemorySyncStateRepository
}

type memoryState struct {
	mu            sync.RWMutex
	leads         map[string]*Lead
	conversations map[string]*Conversation
	messages      map[string][]Message
	followUps     map[string]*FollowUp
	syncs         map[string]*SyncSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	state := &memoryState{
		leads:         make(map[string]*Lead),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		followUps:     make(map[string]*FollowUp),
		syncs:         make(map[string]*SyncSnapshot),
	}
	return &Memory{
		Leads:         &MemoryLeadRepository{state: state},
		Conversations: &MemoryConversationRepository{state: state},
		Messages:      &MemoryMessageRepository{state: state},
		FollowUps:     &MemoryFollowUpRepository{state: state},
		SyncState:     &MemorySyncStateRepository{state: state},
	}
}

// MemoryLeadRepository is an in-memory LeadRepository.
type MemoryLeadRepository struct {
	state *memoryState
}

var _ LeadRepository = (*MemoryLeadRepository)(nil)

func (r *MemoryLeadRepository) Create(ctx context.Context, lead *Lead) error {
	if lead.Phone == "" {
		return ErrMissingPhone
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Stage == "" {
		lead.Stage = StageNew
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now
	if lead.Fields == nil {
		lead.Fields = map[string]string{}
	}

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (r *MemoryLeadRepository) GetByID(ctx context.Context, id string) (*Lead, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	lead, ok := r.state.leads[id]
	if !ok {
		return nil, ErrLeadNotFound
	}
	return cloneLead(lead), nil
}

func (r *MemoryLeadRepository) GetByPhone(ctx context.Context, phone string) (*Lead, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	for _, lead := range r.state.leads {
		if lead.Phone == phone {
			return cloneLead(lead), nil
		}
	}
	return nil, ErrLeadNotFound
}

func (r *MemoryLeadRepository) Update(ctx context.Context, lead *Lead) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	existing, ok := r.state.leads[lead.ID]
	if !ok {
		return ErrLeadNotFound
	}
	lead.PipelineID = existing.PipelineID
	lead.UpdatedAt = time.Now().UTC()
	r.state.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (r *MemoryLeadRepository) SetPipelineID(ctx context.Context, id, pipelineID string) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	lead, ok := r.state.leads[id]
	if !ok {
		return ErrLeadNotFound
	}
	lead.PipelineID = pipelineID
	return nil
}

func (r *MemoryLeadRepository) List(ctx context.Context, stage Stage, limit, offset int) ([]*Lead, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	var all []*Lead
	for _, lead := range r.state.leads {
		if stage != "" && lead.Stage != stage {
			continue
		}
		all = append(all, cloneLead(lead))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *MemoryLeadRepository) ListDirty(ctx context.Context) ([]*Lead, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	var out []*Lead
	for id, lead := range r.state.leads {
		snap, synced := r.state.syncs[id]
		if !synced || lead.UpdatedAt.After(snap.SyncedAt) {
			out = append(out, cloneLead(lead))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// MemoryConversationRepository is an in-memory ConversationRepository.
type MemoryConversationRepository struct {
	state *memoryState
}

var _ ConversationRepository = (*MemoryConversationRepository)(nil)

func (r *MemoryConversationRepository) Create(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.SessionID == "" {
		conv.SessionID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = ConversationActive
	}
	conv.CreatedAt = time.Now().UTC()

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (r *MemoryConversationRepository) GetByID(ctx context.Context, id string) (*Conversation, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	conv, ok := r.state.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (r *MemoryConversationRepository) Active(ctx context.Context, leadID string) (*Conversation, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	var newest *Conversation
	for _, conv := range r.state.conversations {
		if conv.LeadID != leadID || conv.Status != ConversationActive {
			continue
		}
		if newest == nil || conv.CreatedAt.After(newest.CreatedAt) {
			newest = conv
		}
	}
	if newest == nil {
		return nil, nil
	}
	return cloneConversation(newest), nil
}

func (r *MemoryConversationRepository) TouchInbound(ctx context.Context, id string, at time.Time) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	conv, ok := r.state.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	ts := at
	conv.LastInboundAt = &ts
	conv.MessageCount++
	return nil
}

func (r *MemoryConversationRepository) TouchOutbound(ctx context.Context, id string, at time.Time) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	conv, ok := r.state.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	ts := at
	conv.LastOutboundAt = &ts
	conv.MessageCount++
	return nil
}

func (r *MemoryConversationRepository) End(ctx context.Context, id string) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	conv, ok := r.state.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Status = ConversationEnded
	return nil
}

// MemoryMessageRepository is an in-memory MessageRepository.
type MemoryMessageRepository struct {
	state *memoryState
}

var _ MessageRepository = (*MemoryMessageRepository)(nil)

func (r *MemoryMessageRepository) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = MessageSent
	}
	msg.CreatedAt = time.Now().UTC()

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.messages[msg.ConversationID] = append(r.state.messages[msg.ConversationID], *msg)
	return nil
}

func (r *MemoryMessageRepository) MarkFailed(ctx context.Context, id string) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	for convID, msgs := range r.state.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				r.state.messages[convID][i].Status = MessageFailed
				return nil
			}
		}
	}
	return nil
}

func (r *MemoryMessageRepository) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 20
	}
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	msgs := r.state.messages[conversationID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MemoryFollowUpRepository is an in-memory FollowUpRepository with the same
// claim semantics as the Postgres implementation.
type MemoryFollowUpRepository struct {
	state *memoryState
}

var _ FollowUpRepository = (*MemoryFollowUpRepository)(nil)

func (r *MemoryFollowUpRepository) Create(ctx context.Context, fu *FollowUp) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	for _, existing := range r.state.followUps {
		if existing.LeadID == fu.LeadID && existing.Rung == fu.Rung && existing.Status == FollowUpPending {
			return ErrPendingFollowUpExists
		}
	}
	if fu.ID == "" {
		fu.ID = uuid.NewString()
	}
	if fu.Status == "" {
		fu.Status = FollowUpPending
	}
	now := time.Now().UTC()
	fu.CreatedAt = now
	fu.UpdatedAt = now
	clone := *fu
	r.state.followUps[fu.ID] = &clone
	return nil
}

func (r *MemoryFollowUpRepository) GetByID(ctx context.Context, id string) (*FollowUp, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	fu, ok := r.state.followUps[id]
	if !ok {
		return nil, ErrFollowUpNotFound
	}
	clone := *fu
	return &clone, nil
}

func (r *MemoryFollowUpRepository) Due(ctx context.Context, now time.Time) ([]*FollowUp, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	var out []*FollowUp
	for _, fu := range r.state.followUps {
		if fu.Status == FollowUpPending && !fu.ScheduledAt.After(now) {
			clone := *fu
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (r *MemoryFollowUpRepository) HasPending(ctx context.Context, leadID string) (bool, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	for _, fu := range r.state.followUps {
		if fu.LeadID == leadID && fu.Status == FollowUpPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryFollowUpRepository) CancelPending(ctx context.Context, leadID string, before time.Time) (int, error) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	count := 0
	for _, fu := range r.state.followUps {
		if fu.LeadID == leadID && fu.Status == FollowUpPending && fu.CreatedAt.Before(before) {
			fu.Status = FollowUpCancelled
			fu.UpdatedAt = time.Now().UTC()
			count++
		}
	}
	return count, nil
}

func (r *MemoryFollowUpRepository) MarkSent(ctx context.Context, id string) (bool, error) {
	return r.claim(id, FollowUpSent)
}

func (r *MemoryFollowUpRepository) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return r.claim(id, FollowUpCancelled)
}

func (r *MemoryFollowUpRepository) MarkFailed(ctx context.Context, id string) (bool, error) {
	return r.claim(id, FollowUpFailed)
}

func (r *MemoryFollowUpRepository) claim(id string, to FollowUpStatus) (bool, error) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	fu, ok := r.state.followUps[id]
	if !ok || fu.Status != FollowUpPending {
		return false, nil
	}
	fu.Status = to
	fu.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MemorySyncStateRepository is an in-memory SyncStateRepository.
type MemorySyncStateRepository struct {
	state *memoryState
}

var _ SyncStateRepository = (*MemorySyncStateRepository)(nil)

func (r *MemorySyncStateRepository) Get(ctx context.Context, leadID string) (*SyncSnapshot, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	snap, ok := r.state.syncs[leadID]
	if !ok {
		return nil, nil
	}
	clone := *snap
	clone.Tags = append([]string(nil), snap.Tags...)
	clone.Fields = cloneStringMap(snap.Fields)
	return &clone, nil
}

func (r *MemorySyncStateRepository) Put(ctx context.Context, leadID string, snap SyncSnapshot) error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	clone := snap
	clone.Tags = append([]string(nil), snap.Tags...)
	clone.Fields = cloneStringMap(snap.Fields)
	r.state.syncs[leadID] = &clone
	return nil
}

func cloneLead(lead *Lead) *Lead {
	clone := *lead
	clone.Tags = append([]string(nil), lead.Tags...)
	clone.Fields = cloneStringMap(lead.Fields)
	if lead.DecisionMaker != nil {
		dm := *lead.DecisionMaker
		clone.DecisionMaker = &dm
	}
	return &clone
}

func cloneConversation(conv *Conversation) *Conversation {
	clone := *conv
	if conv.LastInboundAt != nil {
		ts := *conv.LastInboundAt
		clone.LastInboundAt = &ts
	}
	if conv.LastOutboundAt != nil {
		ts := *conv.LastOutboundAt
		clone.LastOutboundAt = &ts
	}
	return &clone
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
