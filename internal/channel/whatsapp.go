package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/suntrack/sales-agent/pkg/logging"
)

var whatsappTracer = otel.Tracer("salesagent.internal.channel.whatsapp")

// WhatsAppSender posts messages through a WhatsApp gateway's HTTP API.
type WhatsAppSender struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewWhatsAppSender builds a sender for the gateway instance.
func NewWhatsAppSender(baseURL, apiKey, instance string, logger *logging.Logger) *WhatsAppSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &WhatsAppSender{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		instance: instance,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

var _ Channel = (*WhatsAppSender)(nil)

// SendText dispatches a single message, retrying transient failures.
func (s *WhatsAppSender) SendText(ctx context.Context, recipient, text string) error {
	if s.apiKey == "" {
		return errors.New("channel: whatsapp api key missing")
	}
	if recipient == "" {
		return errors.New("channel: recipient required")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("channel: text required")
	}

	ctx, span := whatsappTracer.Start(ctx, "channel.whatsapp.send_text",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("salesagent.recipient", recipient))

	payload := map[string]any{
		"number": recipient,
		"text":   text,
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := s.post(ctx, fmt.Sprintf("/message/sendText/%s", s.instance), payload)
		if err == nil {
			s.logger.Info("whatsapp message sent", "to", recipient, "chars", len(text))
			return nil
		}
		lastErr = err
		if attempt < 3 {
			time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	span.RecordError(lastErr)
	s.logger.Error("failed to send whatsapp message", "error", lastErr, "to", recipient)
	return lastErr
}

// SendPresence publishes a presence indicator. Presence is cosmetic, so no
// retries: a miss only means the lead doesn't see "typing...".
func (s *WhatsAppSender) SendPresence(ctx context.Context, recipient string, state Presence) error {
	if recipient == "" {
		return errors.New("channel: recipient required")
	}
	payload := map[string]any{
		"number":   recipient,
		"presence": string(state),
	}
	if err := s.post(ctx, fmt.Sprintf("/chat/sendPresence/%s", s.instance), payload); err != nil {
		s.logger.Debug("presence update failed", "error", err, "to", recipient, "state", state)
		return err
	}
	return nil
}

func (s *WhatsAppSender) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("channel: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("channel: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed map[string]any
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsed) == nil {
		return fmt.Errorf("channel: gateway returned status %d: %v", resp.StatusCode, parsed)
	}
	return fmt.Errorf("channel: gateway returned status %d", resp.StatusCode)
}
