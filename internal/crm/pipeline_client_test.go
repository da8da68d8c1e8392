package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineClientUpsertLead(t *testing.T) {
	var got ExternalLead
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/leads/upsert", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "pipe-9"})
	}))
	defer srv.Close()

	client, err := NewPipelineClient(srv.URL, "token-1", time.Second, nil)
	require.NoError(t, err)

	id, err := client.UpsertLead(context.Background(), ExternalLead{
		Phone:  "+5511999990000",
		Name:   "Marina",
		Fields: map[string]string{"bill_cents": "45000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pipe-9", id)
	assert.Equal(t, "+5511999990000", got.Phone)
	assert.Equal(t, "45000", got.Fields["bill_cents"])
}

func TestPipelineClientUpsertRequiresPhone(t *testing.T) {
	client, err := NewPipelineClient("http://localhost:1", "token", time.Second, nil)
	require.NoError(t, err)
	_, err = client.UpsertLead(context.Background(), ExternalLead{Name: "Marina"})
	assert.Error(t, err)
}

func TestPipelineClientMoveStageAndTags(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewPipelineClient(srv.URL, "token", time.Second, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.MoveStage(ctx, "pipe-9", "col-qualified"))
	require.NoError(t, client.AddTags(ctx, "pipe-9", []string{"plan:premium"}))
	require.NoError(t, client.AddTags(ctx, "pipe-9", nil))
	require.NoError(t, client.AddNote(ctx, "pipe-9", "agendou visita"))

	assert.Equal(t, []string{
		"/api/v1/leads/pipe-9/stage",
		"/api/v1/leads/pipe-9/tags",
		"/api/v1/leads/pipe-9/notes",
	}, paths)
}

func TestPipelineClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown stage"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client, err := NewPipelineClient(srv.URL, "token", time.Second, nil)
	require.NoError(t, err)

	err = client.MoveStage(context.Background(), "pipe-9", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestPipelineClientConfigValidation(t *testing.T) {
	_, err := NewPipelineClient("", "token", time.Second, nil)
	assert.Error(t, err)
	_, err = NewPipelineClient("http://crm.local", "", time.Second, nil)
	assert.Error(t, err)
}
