// Package engine generates the agent's replies. Providers return free text
// plus a structured fact block the orchestrator merges into the lead.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// Request carries everything a provider needs for one reply.
type Request struct {
	System    string        `json:"system"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int32         `json:"max_tokens,omitempty"`
}

// Facts are the structured extractions appended by the model after the
// visible reply. All fields are optional; zero values mean "not mentioned".
type Facts struct {
	BillCentsDelta int64  `json:"bill_cents_delta,omitempty"`
	PropertyType   string `json:"property_type,omitempty"`
	Plan           string `json:"plan,omitempty"`
	DecisionMaker  *bool  `json:"decision_maker,omitempty"`
	ScheduleIntent bool   `json:"schedule_intent,omitempty"`
	SlotHint       string `json:"slot_hint,omitempty"`
}

// Empty reports whether no fact was extracted.
func (f Facts) Empty() bool {
	return f == Facts{}
}

// TokenUsage mirrors provider token accounting.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Response is the parsed provider output.
type Response struct {
	Reply string
	Facts Facts
	Usage TokenUsage
}

// Engine produces one reply for a consolidated turn.
type Engine interface {
	Reply(ctx context.Context, req Request) (Response, error)
}

// factsMarker separates the visible reply from the structured tail the
// system prompt instructs the model to emit.
const factsMarker = "###FACTS###"

// ParseOutput splits raw model text into the visible reply and the fact
// block. A missing or malformed block yields the full text and zero facts;
// the error reports the malformation so callers can log it without losing
// the reply.
func ParseOutput(raw string) (string, Facts, error) {
	reply, tail, found := strings.Cut(raw, factsMarker)
	reply = strings.TrimSpace(reply)
	if !found {
		return reply, Facts{}, nil
	}

	tail = strings.TrimSpace(tail)
	tail = strings.TrimPrefix(tail, "```json")
	tail = strings.TrimPrefix(tail, "```")
	tail = strings.TrimSuffix(tail, "```")
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return reply, Facts{}, nil
	}

	var facts Facts
	if err := json.Unmarshal([]byte(tail), &facts); err != nil {
		return reply, Facts{}, fmt.Errorf("engine: malformed facts block: %w", err)
	}
	return reply, facts, nil
}
