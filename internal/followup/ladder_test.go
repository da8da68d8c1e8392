package followup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suntrack/sales-agent/internal/store"
)

func TestDefaultLadderShape(t *testing.T) {
	ladder := DefaultLadder()
	require.Len(t, ladder, 3)

	first, ok := ladder.RungAt(1)
	require.True(t, ok)
	assert.Equal(t, 25*time.Minute, first.Delay)
	assert.Equal(t, StrategyNudge, first.Strategy)

	last, ok := ladder.RungAt(3)
	require.True(t, ok)
	assert.Equal(t, 48*time.Hour, last.Delay)
	assert.Equal(t, StrategyFinal, last.Strategy)

	_, ok = ladder.RungAt(0)
	assert.False(t, ok)
	_, ok = ladder.RungAt(4)
	assert.False(t, ok)

	assert.False(t, ladder.Terminal(2))
	assert.True(t, ladder.Terminal(3))
}

func TestRenderPersonalizesWithFirstName(t *testing.T) {
	lead := &store.Lead{Name: "João Pedro Almeida"}
	msg := Render(StrategyNudge, lead)
	assert.Contains(t, msg, "Oi, João!")
}

func TestRenderWithoutName(t *testing.T) {
	lead := &store.Lead{}
	msg := Render(StrategyNudge, lead)
	assert.Contains(t, msg, "Oi!")
}

func TestRenderValueUsesBillTotal(t *testing.T) {
	lead := &store.Lead{Name: "Marina", BillCents: 45000}
	msg := Render(StrategyValue, lead)
	assert.Contains(t, msg, "R$ 450")

	noBill := Render(StrategyValue, &store.Lead{Name: "Marina"})
	assert.NotContains(t, noBill, "R$")
}
