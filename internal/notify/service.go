package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// Service composes lifecycle emails for the sales team.
type Service struct {
	sender    EmailSender
	teamEmail string
	logger    *logging.Logger
}

func NewService(sender EmailSender, teamEmail string, logger *logging.Logger) *Service {
	if sender == nil {
		panic("notify: email sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		sender:    sender,
		teamEmail: teamEmail,
		logger:    logger,
	}
}

// LeadQualified tells the team a lead crossed the qualification threshold
// and is worth a human touch.
func (s *Service) LeadQualified(ctx context.Context, lead *store.Lead) error {
	if s.teamEmail == "" {
		return errors.New("notify: sales team email not configured")
	}
	body := fmt.Sprintf(
		"Lead qualificado pelo agente:\n\nNome: %s\nTelefone: %s\nConta de luz: R$ %.2f\nTipo de imóvel: %s\nEtapa: %s\n",
		displayName(lead), lead.Phone, float64(lead.BillCents)/100, orDash(lead.PropertyType), lead.Stage)
	return s.sender.Send(ctx, EmailMessage{
		To:      s.teamEmail,
		ToName:  "Time de Vendas",
		Subject: fmt.Sprintf("Lead qualificado: %s", displayName(lead)),
		Body:    body,
	})
}

// LeadClosedNoResponse tells the team a lead exhausted the follow-up ladder
// without answering.
func (s *Service) LeadClosedNoResponse(ctx context.Context, lead *store.Lead) error {
	if s.teamEmail == "" {
		return errors.New("notify: sales team email not configured")
	}
	body := fmt.Sprintf(
		"Lead encerrado sem resposta após todos os follow-ups:\n\nNome: %s\nTelefone: %s\nEtapa final: %s\n",
		displayName(lead), lead.Phone, lead.Stage)
	return s.sender.Send(ctx, EmailMessage{
		To:      s.teamEmail,
		ToName:  "Time de Vendas",
		Subject: fmt.Sprintf("Lead sem resposta: %s", displayName(lead)),
		Body:    body,
	})
}

func displayName(lead *store.Lead) string {
	if lead.Name != "" {
		return lead.Name
	}
	return lead.Phone
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
