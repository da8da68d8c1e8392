package store

import "time"

// Lead is a contact being pursued through a sales conversation. Leads are
// never deleted; a dead conversation parks the lead in a terminal stage.
type Lead struct {
	ID            string            `json:"id"`
	Phone         string            `json:"phone"`
	Name          string            `json:"name"`
	Score         int               `json:"score"`
	BillCents     int64             `json:"bill_cents"`
	BillCount     int               `json:"bill_count"`
	PropertyType  string            `json:"property_type"`
	Plan          string            `json:"plan"`
	DecisionMaker *bool             `json:"decision_maker,omitempty"`
	Stage         Stage             `json:"stage"`
	Tags          []string          `json:"tags"`
	Fields        map[string]string `json:"fields"`
	PipelineID    string            `json:"pipeline_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasTag reports whether the lead already carries the tag.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends the tag unless already present.
func (l *Lead) AddTag(tag string) {
	if tag == "" || l.HasTag(tag) {
		return
	}
	l.Tags = append(l.Tags, tag)
}

// ConversationStatus is the lifecycle state of a conversation session.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
)

// Conversation is one messaging session with a lead. A lead has at most one
// active conversation at a time.
type Conversation struct {
	ID             string             `json:"id"`
	LeadID         string             `json:"lead_id"`
	SessionID      string             `json:"session_id"`
	LastInboundAt  *time.Time         `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time         `json:"last_outbound_at,omitempty"`
	MessageCount   int                `json:"message_count"`
	Status         ConversationStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus tracks delivery of outbound segments. Inbound messages are
// always "sent".
type MessageStatus string

const (
	MessageSent   MessageStatus = "sent"
	MessageFailed MessageStatus = "failed"
)

// Message is a single persisted message. Immutable once written, except that
// an outbound segment may be marked failed after delivery retries exhaust.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Direction      Direction     `json:"direction"`
	Content        string        `json:"content"`
	MediaRef       string        `json:"media_ref,omitempty"`
	Segment        int           `json:"segment"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// FollowUpStatus is the state of one rung of the escalation ladder.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpSent      FollowUpStatus = "sent"
	FollowUpCancelled FollowUpStatus = "cancelled"
	FollowUpFailed    FollowUpStatus = "failed"
)

// FollowUp is a scheduled outreach to a silent lead. At most one pending
// follow-up may exist per (lead, rung); the sweep fires it once due.
type FollowUp struct {
	ID             string         `json:"id"`
	LeadID         string         `json:"lead_id"`
	ConversationID string         `json:"conversation_id"`
	Rung           int            `json:"rung"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	Status         FollowUpStatus `json:"status"`
	Payload        string         `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SyncSnapshot is the last lead state pushed to the CRM pipeline, used to
// diff before each reconciliation pass.
type SyncSnapshot struct {
	Stage    Stage             `json:"stage"`
	Tags     []string          `json:"tags"`
	Fields   map[string]string `json:"fields"`
	SyncedAt time.Time         `json:"synced_at"`
}

// HasTag reports whether the snapshot already recorded the tag.
func (s *SyncSnapshot) HasTag(tag string) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
