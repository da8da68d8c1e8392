package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suntrack/sales-agent/internal/store"
)

func newAdminFixture(t *testing.T) (*AdminLeadsHandler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	h := NewAdminLeadsHandler(mem.Leads, mem.Conversations, mem.Messages, nil)
	return h, mem
}

func adminRouter(h *AdminLeadsHandler) chi.Router {
	r := chi.NewRouter()
	r.Get("/admin/leads", h.List)
	r.Get("/admin/leads/{id}", h.Get)
	r.Get("/admin/leads/{id}/messages", h.Messages)
	r.Post("/admin/leads/{id}/stage", h.OverrideStage)
	return r
}

func seedLead(t *testing.T, mem *store.Memory, phone, name string, stage store.Stage) *store.Lead {
	t.Helper()
	lead := &store.Lead{Phone: phone, Name: name, Stage: stage}
	require.NoError(t, mem.Leads.Create(context.Background(), lead))
	return lead
}

func TestAdminListLeads(t *testing.T) {
	h, mem := newAdminFixture(t)
	seedLead(t, mem, "+5511999990001", "Marina", store.StageQualifying)
	seedLead(t, mem, "+5511999990002", "Carlos", store.StageQualified)
	seedLead(t, mem, "+5511999990003", "Paula", store.StageQualified)

	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Leads []leadResponse `json:"leads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Leads, 3)

	rec = httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads?stage=qualified", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Leads, 2)
	for _, lead := range body.Leads {
		assert.Equal(t, store.StageQualified, lead.Stage)
	}
}

func TestAdminListLeadsRejectsUnknownStage(t *testing.T) {
	h, _ := newAdminFixture(t)

	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads?stage=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminGetLead(t *testing.T) {
	h, mem := newAdminFixture(t)
	lead := seedLead(t, mem, "+5511999990001", "Marina", store.StageQualifying)

	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads/"+lead.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got leadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, lead.ID, got.ID)
	assert.Equal(t, "Marina", got.Name)
	assert.Equal(t, store.StageQualifying, got.Stage)

	rec = httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminLeadMessages(t *testing.T) {
	h, mem := newAdminFixture(t)
	lead := seedLead(t, mem, "+5511999990001", "Marina", store.StageQualifying)

	ctx := context.Background()
	conv := &store.Conversation{LeadID: lead.ID, Status: store.ConversationActive}
	require.NoError(t, mem.Conversations.Create(ctx, conv))
	require.NoError(t, mem.Messages.Append(ctx, &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionInbound,
		Content:        "oi, quero saber de energia solar",
		Status:         store.MessageSent,
		CreatedAt:      time.Now().UTC(),
	}))
	require.NoError(t, mem.Messages.Append(ctx, &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionOutbound,
		Content:        "Oi, Marina! Sou a Sofia da SunTrack.",
		Status:         store.MessageSent,
		CreatedAt:      time.Now().UTC(),
	}))

	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads/"+lead.ID+"/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ConversationID string          `json:"conversation_id"`
		Messages       []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, conv.ID, body.ConversationID)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, store.DirectionInbound, body.Messages[0].Direction)
	assert.Equal(t, store.DirectionOutbound, body.Messages[1].Direction)
}

func TestAdminLeadMessagesWithoutConversation(t *testing.T) {
	h, mem := newAdminFixture(t)
	lead := seedLead(t, mem, "+5511999990001", "Marina", store.StageNew)

	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/leads/"+lead.ID+"/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Messages)
}

func TestAdminOverrideStage(t *testing.T) {
	h, mem := newAdminFixture(t)
	lead := seedLead(t, mem, "+5511999990001", "Marina", store.StageQualifying)

	req := httptest.NewRequest(http.MethodPost, "/admin/leads/"+lead.ID+"/stage",
		strings.NewReader(`{"stage":"not_interested"}`))
	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := mem.Leads.GetByID(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StageNotInterested, stored.Stage)
}

func TestAdminOverrideStageRejectsBackwardMove(t *testing.T) {
	h, mem := newAdminFixture(t)
	lead := seedLead(t, mem, "+5511999990001", "Marina", store.StageQualified)

	req := httptest.NewRequest(http.MethodPost, "/admin/leads/"+lead.ID+"/stage",
		strings.NewReader(`{"stage":"new"}`))
	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	stored, err := mem.Leads.GetByID(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StageQualified, stored.Stage)
}

func TestAdminOverrideStageRejectsUnknownStage(t *testing.T) {
	h, mem := newAdminFixture(t)
	lead := seedLead(t, mem, "+5511999990001", "Marina", store.StageNew)

	req := httptest.NewRequest(http.MethodPost, "/admin/leads/"+lead.ID+"/stage",
		strings.NewReader(`{"stage":"vip"}`))
	rec := httptest.NewRecorder()
	adminRouter(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
