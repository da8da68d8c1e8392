// Package buffer coalesces bursts of inbound messages per sender. People
// often send three short messages where one would do; the reasoning engine
// should see them as a single turn.
package buffer

import (
	"strings"
	"sync"
	"time"
)

// Inbound is one raw inbound message prior to consolidation.
type Inbound struct {
	Text     string
	MediaRef string
	At       time.Time
}

// Turn is one consolidated input for the reasoning engine: every message of
// a burst concatenated in arrival order, media references preserved.
type Turn struct {
	Sender    string
	Text      string
	MediaRefs []string
	Count     int
	StartedAt time.Time
}

type senderState struct {
	busy    bool
	pending []Inbound
}

// Buffer tracks per-sender in-flight turns. State is transient by design:
// a restart loses at most the messages of one unfinished burst, which the
// sender will repeat.
type Buffer struct {
	mu      sync.Mutex
	senders map[string]*senderState
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{senders: make(map[string]*senderState)}
}

// Ingest records an inbound message. When the sender has no turn in flight
// the message dispatches immediately as a single-message turn and the sender
// becomes busy. While busy, messages append to one pending queue; a second
// burst never spawns a parallel turn.
func (b *Buffer) Ingest(sender string, msg Inbound) (*Turn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.senders[sender]
	if !ok {
		state = &senderState{}
		b.senders[sender] = state
	}

	if state.busy {
		state.pending = append(state.pending, msg)
		return nil, false
	}

	state.busy = true
	return consolidate(sender, []Inbound{msg}), true
}

// Complete marks the sender's in-flight turn as finished. If messages
// accumulated meanwhile they are returned as the next consolidated turn and
// the sender stays busy; otherwise the sender goes idle and nil is returned.
func (b *Buffer) Complete(sender string) *Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.senders[sender]
	if !ok || !state.busy {
		return nil
	}

	if len(state.pending) == 0 {
		state.busy = false
		delete(b.senders, sender)
		return nil
	}

	pending := state.pending
	state.pending = nil
	return consolidate(sender, pending)
}

// Abort drops the sender's in-flight marker without dispatching pending
// messages, used when a turn fails before any reply could be produced.
func (b *Buffer) Abort(sender string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.senders, sender)
}

func consolidate(sender string, msgs []Inbound) *Turn {
	turn := &Turn{
		Sender:    sender,
		Count:     len(msgs),
		StartedAt: msgs[0].At,
	}
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Text != "" {
			parts = append(parts, msg.Text)
		}
		if msg.MediaRef != "" {
			turn.MediaRefs = append(turn.MediaRefs, msg.MediaRef)
		}
	}
	turn.Text = strings.Join(parts, "\n")
	return turn
}
