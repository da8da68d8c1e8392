// Package queue decouples webhook ingestion from turn processing. The
// webhook handler enqueues raw inbound messages; workers drain the queue so
// the HTTP surface stays fast and processing scales out.
package queue

import "context"

// Message is one queued payload with its acknowledgement handle.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Queue is the transport behind the inbound pipeline. SQS in production,
// memory in tests and single-process deployments.
type Queue interface {
	Send(ctx context.Context, body string) error
	// Receive blocks up to waitSeconds for at most maxMessages.
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	// Delete acknowledges a processed message.
	Delete(ctx context.Context, receiptHandle string) error
}
