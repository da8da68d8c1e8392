package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/suntrack/sales-agent/internal/orchestrator"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// WhatsAppWebhookHandler receives gateway webhooks and enqueues inbound
// messages. Processing happens in the workers; the gateway only needs a
// fast 200.
type WhatsAppWebhookHandler struct {
	publisher *orchestrator.Publisher
	secret    string
	logger    *logging.Logger
}

func NewWhatsAppWebhookHandler(publisher *orchestrator.Publisher, secret string, logger *logging.Logger) *WhatsAppWebhookHandler {
	if publisher == nil {
		panic("handlers: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WhatsAppWebhookHandler{
		publisher: publisher,
		secret:    secret,
		logger:    logger,
	}
}

// webhookEvent mirrors the gateway's messages.upsert payload.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
			ImageMessage struct {
				URL string `json:"url"`
			} `json:"imageMessage"`
			AudioMessage struct {
				URL string `json:"url"`
			} `json:"audioMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// Handle processes POST /webhooks/whatsapp.
func (h *WhatsAppWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		provided := r.Header.Get("apikey")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
			h.logger.Warn("webhook with bad secret", "remote_ip", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var event webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// Only lead-authored messages start turns. Echoes of our own sends and
	// non-message events are acknowledged and dropped.
	if event.Event != "messages.upsert" || event.Data.Key.FromMe {
		w.WriteHeader(http.StatusOK)
		return
	}

	phone := phoneFromJid(event.Data.Key.RemoteJid)
	if phone == "" {
		http.Error(w, "missing sender", http.StatusBadRequest)
		return
	}

	text := event.Data.Message.Conversation
	if text == "" {
		text = event.Data.Message.ExtendedTextMessage.Text
	}
	mediaRef := event.Data.Message.ImageMessage.URL
	if mediaRef == "" {
		mediaRef = event.Data.Message.AudioMessage.URL
	}
	if text == "" && mediaRef == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	at := time.Now().UTC()
	if event.Data.MessageTimestamp > 0 {
		at = time.Unix(event.Data.MessageTimestamp, 0).UTC()
	}

	msg := orchestrator.InboundMessage{
		Phone:    phone,
		Name:     event.Data.PushName,
		Text:     text,
		MediaRef: mediaRef,
		At:       at,
	}
	if err := h.publisher.Publish(r.Context(), msg); err != nil {
		h.logger.Error("failed to enqueue inbound message", "error", err, "phone", phone)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// phoneFromJid extracts the E.164-ish number from a WhatsApp JID like
// "5511999990000@s.whatsapp.net".
func phoneFromJid(jid string) string {
	number, _, found := strings.Cut(jid, "@")
	if !found || number == "" {
		return ""
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return number
}
