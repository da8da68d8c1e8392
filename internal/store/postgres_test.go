package store

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresFollowUpClaimWinsPendingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresFollowUpRepository(mock)

	mock.ExpectExec("UPDATE follow_ups SET status").
		WithArgs("fu-1", "sent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	won, err := repo.MarkSent(context.Background(), "fu-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFollowUpClaimLosesResolvedRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresFollowUpRepository(mock)

	// Another worker already moved the row out of pending.
	mock.ExpectExec("UPDATE follow_ups SET status").
		WithArgs("fu-1", "cancelled").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	won, err := repo.MarkCancelled(context.Background(), "fu-1")
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFollowUpCancelPendingCountsRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresFollowUpRepository(mock)
	before := time.Now()

	mock.ExpectExec("UPDATE follow_ups SET status = 'cancelled'").
		WithArgs("lead-1", before).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := repo.CancelPending(context.Background(), "lead-1", before)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFollowUpDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresFollowUpRepository(mock)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "lead_id", "conversation_id", "rung", "scheduled_at", "status", "payload", "created_at", "updated_at",
	}).AddRow("fu-1", "lead-1", "conv-1", 1, now.Add(-time.Minute), "pending", "", now.Add(-time.Hour), now.Add(-time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM follow_ups WHERE status = 'pending'").
		WithArgs(now).
		WillReturnRows(rows)

	due, err := repo.Due(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "fu-1", due[0].ID)
	assert.Equal(t, FollowUpPending, due[0].Status)
	assert.Equal(t, 1, due[0].Rung)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLeadSetPipelineID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresLeadRepository(mock)

	mock.ExpectExec("UPDATE leads SET pipeline_id").
		WithArgs("lead-1", "crm-42").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.SetPipelineID(context.Background(), "lead-1", "crm-42"))

	mock.ExpectExec("UPDATE leads SET pipeline_id").
		WithArgs("lead-missing", "crm-42").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.SetPipelineID(context.Background(), "lead-missing", "crm-42")
	assert.ErrorIs(t, err, ErrLeadNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConversationTouchOutbound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPostgresConversationRepository(mock)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE conversations SET last_outbound_at").
		WithArgs("conv-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.TouchOutbound(context.Background(), "conv-1", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}
