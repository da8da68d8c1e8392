package store

import (
	"context"
	"time"
)

// LeadRepository defines the interface for lead storage
type LeadRepository interface {
	Create(ctx context.Context, lead *Lead) error
	GetByID(ctx context.Context, id string) (*Lead, error)
	GetByPhone(ctx context.Context, phone string) (*Lead, error)
	Update(ctx context.Context, lead *Lead) error
	SetPipelineID(ctx context.Context, id, pipelineID string) error
	// List returns leads ordered newest first, optionally filtered by stage.
	List(ctx context.Context, stage Stage, limit, offset int) ([]*Lead, error)
	// ListDirty returns leads whose local state is newer than their last
	// CRM sync, including leads never synced at all.
	ListDirty(ctx context.Context) ([]*Lead, error)
}

// ConversationRepository defines the interface for conversation storage
type ConversationRepository interface {
	Create(ctx context.Context, conv *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	// Active returns the lead's active conversation, or nil when none exists.
	Active(ctx context.Context, leadID string) (*Conversation, error)
	TouchInbound(ctx context.Context, id string, at time.Time) error
	TouchOutbound(ctx context.Context, id string, at time.Time) error
	End(ctx context.Context, id string) error
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	Append(ctx context.Context, msg *Message) error
	MarkFailed(ctx context.Context, id string) error
	// Recent returns up to n messages of the conversation, oldest first.
	Recent(ctx context.Context, conversationID string, n int) ([]Message, error)
}

// FollowUpRepository defines the interface for follow-up storage. The Mark*
// operations are claim-guarded: they only win when the row is still pending,
// and report whether this caller made the transition. That property is what
// gives the sweep at-most-once execution under concurrent workers.
type FollowUpRepository interface {
	Create(ctx context.Context, fu *FollowUp) error
	GetByID(ctx context.Context, id string) (*FollowUp, error)
	Due(ctx context.Context, now time.Time) ([]*FollowUp, error)
	HasPending(ctx context.Context, leadID string) (bool, error)
	// CancelPending cancels every pending follow-up of the lead created
	// before the given instant and returns how many were cancelled.
	CancelPending(ctx context.Context, leadID string, before time.Time) (int, error)
	MarkSent(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
}

// SyncStateRepository persists the per-lead snapshot of what was last pushed
// to the CRM pipeline.
type SyncStateRepository interface {
	// Get returns nil without error when the lead has never been synced.
	Get(ctx context.Context, leadID string) (*SyncSnapshot, error)
	Put(ctx context.Context, leadID string, snap SyncSnapshot) error
}
