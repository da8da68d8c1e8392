package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/suntrack/sales-agent/internal/queue"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// Publisher enqueues inbound messages so webhook handling stays fast.
type Publisher struct {
	queue queue.Queue
}

func NewPublisher(q queue.Queue) *Publisher {
	if q == nil {
		panic("orchestrator: queue cannot be nil")
	}
	return &Publisher{queue: q}
}

// Publish serializes the message onto the turn queue.
func (p *Publisher) Publish(ctx context.Context, msg InboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("orchestrator: failed to encode inbound message: %w", err)
	}
	if err := p.queue.Send(ctx, string(body)); err != nil {
		return fmt.Errorf("orchestrator: failed to enqueue inbound message: %w", err)
	}
	return nil
}

// Worker drains the turn queue into the orchestrator. A poison message is
// logged and deleted rather than blocking the queue forever.
type Worker struct {
	queue        queue.Queue
	orchestrator *Orchestrator
	logger       *logging.Logger
	batchSize    int
	waitSeconds  int
	errorBackoff time.Duration
}

func NewWorker(q queue.Queue, orch *Orchestrator, logger *logging.Logger) *Worker {
	if q == nil {
		panic("orchestrator: queue cannot be nil")
	}
	if orch == nil {
		panic("orchestrator: orchestrator cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:        q,
		orchestrator: orch,
		logger:       logger,
		batchSize:    10,
		waitSeconds:  5,
		errorBackoff: 2 * time.Second,
	}
}

func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batchSize = n
	}
	return w
}

// Run drains the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.queue.Receive(ctx, w.batchSize, w.waitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.errorBackoff):
			}
			continue
		}
		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	var inbound InboundMessage
	if err := json.Unmarshal([]byte(msg.Body), &inbound); err != nil {
		w.logger.Error("dropping undecodable queue message", "error", err, "message_id", msg.ID)
		if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			w.logger.Error("failed to delete poison message", "error", err, "message_id", msg.ID)
		}
		return
	}

	if err := w.orchestrator.HandleInbound(ctx, inbound); err != nil {
		// Leave the message on the queue; visibility timeout will redeliver.
		w.logger.Error("inbound handling failed", "error", err, "message_id", msg.ID, "phone", inbound.Phone)
		return
	}

	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to ack processed message", "error", err, "message_id", msg.ID)
	}
}
