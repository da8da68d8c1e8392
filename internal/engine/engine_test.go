package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suntrack/sales-agent/internal/store"
)

func TestParseOutputWithFacts(t *testing.T) {
	raw := "Entendi! Uma conta de R$ 450 dá um ótimo caso pra energia solar.\n" +
		"###FACTS###\n" +
		`{"bill_cents_delta": 45000, "property_type": "casa", "schedule_intent": true}`

	reply, facts, err := ParseOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, "Entendi! Uma conta de R$ 450 dá um ótimo caso pra energia solar.", reply)
	assert.Equal(t, int64(45000), facts.BillCentsDelta)
	assert.Equal(t, "casa", facts.PropertyType)
	assert.True(t, facts.ScheduleIntent)
	assert.False(t, facts.Empty())
}

func TestParseOutputWithoutFacts(t *testing.T) {
	reply, facts, err := ParseOutput("Oi! Tudo bem por aí?")
	require.NoError(t, err)
	assert.Equal(t, "Oi! Tudo bem por aí?", reply)
	assert.True(t, facts.Empty())
}

func TestParseOutputFencedJSON(t *testing.T) {
	raw := "Perfeito.\n###FACTS###\n```json\n{\"plan\": \"premium\"}\n```"
	reply, facts, err := ParseOutput(raw)
	require.NoError(t, err)
	assert.Equal(t, "Perfeito.", reply)
	assert.Equal(t, "premium", facts.Plan)
}

func TestParseOutputMalformedFactsKeepsReply(t *testing.T) {
	reply, facts, err := ParseOutput("Claro!\n###FACTS###\n{not json")
	require.Error(t, err)
	assert.Equal(t, "Claro!", reply)
	assert.True(t, facts.Empty())
}

func TestParseOutputEmptyFactsBlock(t *testing.T) {
	reply, facts, err := ParseOutput("Combinado.\n###FACTS###\n")
	require.NoError(t, err)
	assert.Equal(t, "Combinado.", reply)
	assert.True(t, facts.Empty())
}

func TestSystemPromptIncludesKnownFacts(t *testing.T) {
	dm := true
	lead := &store.Lead{
		Name:          "Marina Souza",
		BillCents:     45000,
		PropertyType:  "casa",
		DecisionMaker: &dm,
		Stage:         store.StageQualifying,
	}

	prompt := SystemPrompt(lead)
	assert.Contains(t, prompt, "Marina Souza")
	assert.Contains(t, prompt, "R$ 450.00")
	assert.Contains(t, prompt, "casa")
	assert.Contains(t, prompt, "qualifying")
	assert.Contains(t, prompt, factsMarker)
}

func TestSystemPromptFreshLead(t *testing.T) {
	prompt := SystemPrompt(&store.Lead{Stage: store.StageNew})
	assert.Contains(t, prompt, "Sofia")
	assert.NotContains(t, prompt, "Conta de luz informada")
}
