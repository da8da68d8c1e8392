// Package channel abstracts the messaging transport. Sends are at-least-once:
// a retry after an ambiguous failure may duplicate a message, which is an
// acceptable cost versus silence.
package channel

import "context"

// Presence is a chat presence indicator.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
	PresenceAvailable Presence = "available"
)

// Channel sends text and presence updates to a recipient.
type Channel interface {
	SendText(ctx context.Context, recipient, text string) error
	SendPresence(ctx context.Context, recipient string, state Presence) error
}
