// Package pacer delivers outbound replies the way a person types: split
// along sentence boundaries, a think-delay before the first segment, short
// pauses between the rest, "composing" presence during each pause.
package pacer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/suntrack/sales-agent/internal/channel"
	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// Config bounds segment size, delays and retry behavior.
type Config struct {
	MaxSegmentLen   int
	MinInitialDelay time.Duration
	MaxInitialDelay time.Duration
	SegmentDelay    time.Duration
	MaxAttempts     int
	RetryBaseDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSegmentLen <= 0 {
		c.MaxSegmentLen = 280
	}
	if c.MinInitialDelay <= 0 {
		c.MinInitialDelay = 2 * time.Second
	}
	if c.MaxInitialDelay < c.MinInitialDelay {
		c.MaxInitialDelay = c.MinInitialDelay
	}
	if c.SegmentDelay <= 0 {
		c.SegmentDelay = 1500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// typingCharsPerSecond approximates a fast human typist.
const typingCharsPerSecond = 12

// Pacer schedules segment delivery over a channel and persists every
// outbound segment as a Message row.
type Pacer struct {
	channel  channel.Channel
	messages store.MessageRepository
	cfg      Config
	logger   *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a pacer with real sleeping. Tests override sleep.
func New(ch channel.Channel, messages store.MessageRepository, cfg Config, logger *logging.Logger) *Pacer {
	if ch == nil {
		panic("pacer: channel cannot be nil")
	}
	if messages == nil {
		panic("pacer: message repository cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg.applyDefaults()
	return &Pacer{
		channel:  ch,
		messages: messages,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// WithSleeper replaces the sleep function, returning the pacer for chaining.
func (p *Pacer) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Pacer {
	p.sleep = sleep
	return p
}

// Deliver splits reply into segments and sends them with naturalistic
// pauses. Segments already sent stay sent if a later one fails; the failed
// segment is persisted with a failed status and the error returned.
func (p *Pacer) Deliver(ctx context.Context, conversationID, recipient, reply string) error {
	segments := Split(reply, p.cfg.MaxSegmentLen)
	if len(segments) == 0 {
		return nil
	}

	for i, segment := range segments {
		delay := p.cfg.SegmentDelay
		if i == 0 {
			delay = p.initialDelay(reply)
		}

		if err := p.channel.SendPresence(ctx, recipient, channel.PresenceComposing); err != nil {
			p.logger.Debug("presence send failed", "error", err, "to", recipient)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}

		msg := &store.Message{
			ConversationID: conversationID,
			Direction:      store.DirectionOutbound,
			Content:        segment,
			Segment:        i,
			Status:         store.MessageSent,
		}

		if err := p.sendWithRetry(ctx, recipient, segment); err != nil {
			msg.Status = store.MessageFailed
			if persistErr := p.messages.Append(ctx, msg); persistErr != nil {
				p.logger.Error("failed to persist failed segment", "error", persistErr, "conversation_id", conversationID)
			}
			return fmt.Errorf("pacer: segment %d/%d failed: %w", i+1, len(segments), err)
		}

		if err := p.messages.Append(ctx, msg); err != nil {
			p.logger.Error("failed to persist outbound segment", "error", err, "conversation_id", conversationID)
		}
	}

	if err := p.channel.SendPresence(ctx, recipient, channel.PresencePaused); err != nil {
		p.logger.Debug("presence send failed", "error", err, "to", recipient)
	}
	return nil
}

// initialDelay scales with reply length to mimic composing time, clamped to
// the configured window.
func (p *Pacer) initialDelay(reply string) time.Duration {
	d := time.Duration(len(reply)) * time.Second / typingCharsPerSecond
	if d < p.cfg.MinInitialDelay {
		return p.cfg.MinInitialDelay
	}
	if d > p.cfg.MaxInitialDelay {
		return p.cfg.MaxInitialDelay
	}
	return d
}

func (p *Pacer) sendWithRetry(ctx context.Context, recipient, segment string) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = p.channel.SendText(ctx, recipient, segment)
		if lastErr == nil {
			return nil
		}
		if attempt < p.cfg.MaxAttempts {
			backoff := p.cfg.RetryBaseDelay << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(p.cfg.RetryBaseDelay)))
			if err := p.sleep(ctx, backoff); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
