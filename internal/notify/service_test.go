package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suntrack/sales-agent/internal/store"
)

type recordingSender struct {
	sent []EmailMessage
}

func (r *recordingSender) Send(ctx context.Context, msg EmailMessage) error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestLeadQualifiedEmail(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(sender, "vendas@suntrack.com.br", nil)

	lead := &store.Lead{
		Name:         "Marina Souza",
		Phone:        "+5511999990000",
		BillCents:    45000,
		PropertyType: "casa",
		Stage:        store.StageQualified,
	}
	require.NoError(t, svc.LeadQualified(context.Background(), lead))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "vendas@suntrack.com.br", msg.To)
	assert.Contains(t, msg.Subject, "Marina Souza")
	assert.Contains(t, msg.Body, "R$ 450.00")
	assert.Contains(t, msg.Body, "+5511999990000")
}

func TestLeadClosedNoResponseEmail(t *testing.T) {
	sender := &recordingSender{}
	svc := NewService(sender, "vendas@suntrack.com.br", nil)

	lead := &store.Lead{Phone: "+5511999990000", Stage: store.StageNotInterested}
	require.NoError(t, svc.LeadClosedNoResponse(context.Background(), lead))

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Subject, "+5511999990000", "falls back to phone when name is unknown")
	assert.Contains(t, sender.sent[0].Body, "not_interested")
}

func TestServiceRequiresTeamEmail(t *testing.T) {
	svc := NewService(&recordingSender{}, "", nil)
	err := svc.LeadQualified(context.Background(), &store.Lead{Phone: "+55"})
	assert.Error(t, err)
}
