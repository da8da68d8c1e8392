package store

import "errors"

var (
	// ErrLeadNotFound is returned when a lead lookup misses.
	ErrLeadNotFound = errors.New("store: lead not found")
	// ErrConversationNotFound is returned when a conversation lookup misses.
	ErrConversationNotFound = errors.New("store: conversation not found")
	// ErrFollowUpNotFound is returned when a follow-up lookup misses.
	ErrFollowUpNotFound = errors.New("store: follow-up not found")
	// ErrPendingFollowUpExists rejects a second pending follow-up for the
	// same (lead, rung).
	ErrPendingFollowUpExists = errors.New("store: pending follow-up already exists")
	// ErrMissingPhone rejects leads without a stable contact handle.
	ErrMissingPhone = errors.New("store: lead phone is required")
)
