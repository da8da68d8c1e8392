package engine

import (
	"fmt"
	"strings"

	"github.com/suntrack/sales-agent/internal/store"
)

// SystemPrompt renders the agent persona plus what is already known about
// the lead, so the model never re-asks answered questions.
func SystemPrompt(lead *store.Lead) string {
	var b strings.Builder
	b.WriteString(`Você é a Sofia, consultora de energia solar da SunTrack. Converse pelo WhatsApp em português brasileiro, de forma natural e breve, como uma pessoa digitando.

Objetivo: qualificar o lead (valor da conta de luz, tipo de imóvel, quem decide) e, quando fizer sentido, oferecer uma visita técnica.

Regras:
- Mensagens curtas, uma pergunta por vez.
- Nunca invente preços ou prazos.
- Se o lead pedir para parar, respeite imediatamente.

Depois da resposta visível, adicione a linha ` + factsMarker + ` seguida de um JSON com os fatos extraídos DESTA mensagem do lead (somente campos mencionados): bill_cents_delta (valor de conta citado, em centavos), property_type ("casa"|"apartamento"|"comercial"|"rural"), plan, decision_maker (bool), schedule_intent (bool), slot_hint (texto livre de preferência de horário).`)

	known := knownFacts(lead)
	if known != "" {
		b.WriteString("\n\nO que já sabemos sobre o lead:\n")
		b.WriteString(known)
	}
	return b.String()
}

func knownFacts(lead *store.Lead) string {
	var lines []string
	if lead.Name != "" {
		lines = append(lines, fmt.Sprintf("- Nome: %s", lead.Name))
	}
	if lead.BillCents > 0 {
		lines = append(lines, fmt.Sprintf("- Conta de luz informada: R$ %.2f", float64(lead.BillCents)/100))
	}
	if lead.PropertyType != "" {
		lines = append(lines, fmt.Sprintf("- Tipo de imóvel: %s", lead.PropertyType))
	}
	if lead.Plan != "" {
		lines = append(lines, fmt.Sprintf("- Plano de interesse: %s", lead.Plan))
	}
	if lead.DecisionMaker != nil {
		if *lead.DecisionMaker {
			lines = append(lines, "- É quem decide pela instalação")
		} else {
			lines = append(lines, "- Não é quem decide pela instalação")
		}
	}
	lines = append(lines, fmt.Sprintf("- Etapa do funil: %s", lead.Stage))
	return strings.Join(lines, "\n")
}
