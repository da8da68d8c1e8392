package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// AdminLeadsHandler serves the operator views: lead listing, lead detail,
// conversation transcripts and manual stage overrides.
type AdminLeadsHandler struct {
	leads    store.LeadRepository
	convs    store.ConversationRepository
	messages store.MessageRepository
	logger   *logging.Logger
}

func NewAdminLeadsHandler(leads store.LeadRepository, convs store.ConversationRepository, messages store.MessageRepository, logger *logging.Logger) *AdminLeadsHandler {
	if leads == nil || convs == nil || messages == nil {
		panic("handlers: lead, conversation and message repositories cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminLeadsHandler{
		leads:    leads,
		convs:    convs,
		messages: messages,
		logger:   logger,
	}
}

type leadResponse struct {
	ID            string            `json:"id"`
	Phone         string            `json:"phone"`
	Name          string            `json:"name"`
	Stage         store.Stage       `json:"stage"`
	Score         int               `json:"score"`
	BillCents     int64             `json:"bill_cents"`
	PropertyType  string            `json:"property_type,omitempty"`
	Plan          string            `json:"plan,omitempty"`
	DecisionMaker *bool             `json:"decision_maker,omitempty"`
	Tags          []string          `json:"tags"`
	Fields        map[string]string `json:"fields,omitempty"`
	PipelineID    string            `json:"pipeline_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func toLeadResponse(lead *store.Lead) leadResponse {
	return leadResponse{
		ID:            lead.ID,
		Phone:         lead.Phone,
		Name:          lead.Name,
		Stage:         lead.Stage,
		Score:         lead.Score,
		BillCents:     lead.BillCents,
		PropertyType:  lead.PropertyType,
		Plan:          lead.Plan,
		DecisionMaker: lead.DecisionMaker,
		Tags:          lead.Tags,
		Fields:        lead.Fields,
		PipelineID:    lead.PipelineID,
		CreatedAt:     lead.CreatedAt,
		UpdatedAt:     lead.UpdatedAt,
	}
}

// List handles GET /admin/leads?stage=&limit=&offset=.
func (h *AdminLeadsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var stage store.Stage
	if raw := q.Get("stage"); raw != "" {
		stage = store.Stage(raw)
		if !stage.Valid() {
			writeError(w, http.StatusBadRequest, "unknown stage")
			return
		}
	}

	limit := parseIntParam(q.Get("limit"), 20)
	offset := parseIntParam(q.Get("offset"), 0)

	leads, err := h.leads.List(r.Context(), stage, limit, offset)
	if err != nil {
		h.logger.Error("failed to list leads", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}

	out := make([]leadResponse, 0, len(leads))
	for _, lead := range leads {
		out = append(out, toLeadResponse(lead))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"leads":  out,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /admin/leads/{id}.
func (h *AdminLeadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lead, err := h.leads.GetByID(r.Context(), id)
	if err != nil {
		h.respondLeadErr(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, toLeadResponse(lead))
}

// Messages handles GET /admin/leads/{id}/messages and returns the transcript
// of the lead's active conversation, oldest first.
func (h *AdminLeadsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lead, err := h.leads.GetByID(r.Context(), id)
	if err != nil {
		h.respondLeadErr(w, err, id)
		return
	}

	conv, err := h.convs.Active(r.Context(), lead.ID)
	if err != nil {
		h.logger.Error("failed to load conversation", "error", err, "lead_id", id)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []store.Message{}})
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	msgs, err := h.messages.Recent(r.Context(), conv.ID, limit)
	if err != nil {
		h.logger.Error("failed to load messages", "error", err, "lead_id", id)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"messages":        msgs,
	})
}

type stageOverrideRequest struct {
	Stage store.Stage `json:"stage"`
}

// OverrideStage handles POST /admin/leads/{id}/stage. Overrides respect the
// same transition lattice the agent follows.
func (h *AdminLeadsHandler) OverrideStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req stageOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Stage.Valid() {
		writeError(w, http.StatusBadRequest, "unknown stage")
		return
	}

	lead, err := h.leads.GetByID(r.Context(), id)
	if err != nil {
		h.respondLeadErr(w, err, id)
		return
	}

	if lead.Stage != req.Stage {
		if !lead.Advance(req.Stage) {
			writeError(w, http.StatusUnprocessableEntity, "stage transition not allowed")
			return
		}
		if err := h.leads.Update(r.Context(), lead); err != nil {
			h.logger.Error("failed to update lead stage", "error", err, "lead_id", id)
			writeError(w, http.StatusInternalServerError, "failed to update lead")
			return
		}
		h.logger.Info("lead stage overridden", "lead_id", id, "stage", req.Stage)
	}

	writeJSON(w, http.StatusOK, toLeadResponse(lead))
}

func (h *AdminLeadsHandler) respondLeadErr(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, store.ErrLeadNotFound) {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	h.logger.Error("failed to load lead", "error", err, "lead_id", id)
	writeError(w, http.StatusInternalServerError, "failed to load lead")
}

func parseIntParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
