// Package followup schedules and executes re-engagement messages for leads
// that went silent, escalating through a fixed ladder until the lead replies
// or the final rung closes the conversation.
package followup

import (
	"fmt"
	"strings"
	"time"

	"github.com/suntrack/sales-agent/internal/store"
)

// Strategy selects the tone of a follow-up message.
type Strategy string

const (
	StrategyNudge Strategy = "nudge"
	StrategyValue Strategy = "value"
	StrategyFinal Strategy = "final"
)

// Rung is one step of the escalation ladder: how long to wait after the last
// outbound message and which message to send.
type Rung struct {
	Delay    time.Duration
	Strategy Strategy
}

// Ladder is the ordered escalation sequence. Rung numbers are 1-based.
type Ladder []Rung

// NewLadder builds the standard three-rung ladder with configured delays.
func NewLadder(nudge, value, final time.Duration) Ladder {
	return Ladder{
		{Delay: nudge, Strategy: StrategyNudge},
		{Delay: value, Strategy: StrategyValue},
		{Delay: final, Strategy: StrategyFinal},
	}
}

// DefaultLadder returns the ladder with production delays.
func DefaultLadder() Ladder {
	return NewLadder(25*time.Minute, 24*time.Hour, 48*time.Hour)
}

// RungAt returns the 1-based rung, or false when out of range.
func (l Ladder) RungAt(rung int) (Rung, bool) {
	if rung < 1 || rung > len(l) {
		return Rung{}, false
	}
	return l[rung-1], true
}

// Terminal reports whether the rung is the last of the ladder.
func (l Ladder) Terminal(rung int) bool {
	return rung >= len(l)
}

// Render produces the outbound text for a strategy, personalized with what
// we know about the lead.
func Render(strategy Strategy, lead *store.Lead) string {
	name := firstName(lead.Name)
	greeting := "Oi"
	if name != "" {
		greeting = fmt.Sprintf("Oi, %s", name)
	}

	switch strategy {
	case StrategyNudge:
		return fmt.Sprintf("%s! Conseguiu ver minha última mensagem? Fico por aqui se quiser continuar.", greeting)
	case StrategyValue:
		if lead.BillCents > 0 {
			monthly := float64(lead.BillCents) / 100
			return fmt.Sprintf(
				"%s! Com uma conta em torno de R$ %.0f por mês, dá pra reduzir até 90%% com energia solar. Quer que eu monte uma simulação rápida pra você?",
				greeting, monthly)
		}
		return fmt.Sprintf("%s! Muita gente na sua região já está economizando até 90%% na conta de luz com energia solar. Posso te mostrar como funciona?", greeting)
	case StrategyFinal:
		return fmt.Sprintf("%s! Vou encerrar nosso atendimento por aqui pra não te incomodar. Se mudar de ideia, é só mandar uma mensagem. Obrigado!", greeting)
	default:
		return fmt.Sprintf("%s! Ainda está por aí?", greeting)
	}
}

func firstName(full string) string {
	full = strings.TrimSpace(full)
	if full == "" {
		return ""
	}
	if i := strings.IndexByte(full, ' '); i > 0 {
		return full[:i]
	}
	return full
}
