package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StopLossTrigger(t *testing.T) {
	r := NewRegistry(Limits{})

	intent, err := r.SetStopLoss("BTCUSDT", 50000, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 47500, intent.Price, 1e-9)

	assert.Empty(t, r.CheckExitTriggers("BTCUSDT", 48000), "above the stop")

	triggers := r.CheckExitTriggers("BTCUSDT", 47000)
	require.Len(t, triggers, 1)
	assert.Equal(t, TriggerStopLoss, triggers[0].Kind)
	assert.Equal(t, 47000.0, triggers[0].Price)

	// Checking does not consume
	assert.Len(t, r.CheckExitTriggers("BTCUSDT", 47000), 1)

	r.Consume(triggers[0])
	assert.Empty(t, r.CheckExitTriggers("BTCUSDT", 47000), "consumed intent is gone")
}

func TestRegistry_TakeProfitTrigger(t *testing.T) {
	r := NewRegistry(Limits{})

	intent, err := r.SetTakeProfit("ETHUSDT", 3000, 0.10)
	require.NoError(t, err)
	assert.InDelta(t, 3300, intent.Price, 1e-9)

	assert.Empty(t, r.CheckExitTriggers("ETHUSDT", 3200))
	triggers := r.CheckExitTriggers("ETHUSDT", 3400)
	require.Len(t, triggers, 1)
	assert.Equal(t, TriggerTakeProfit, triggers[0].Kind)
}

func TestRegistry_InvalidIntents(t *testing.T) {
	r := NewRegistry(Limits{})

	_, err := r.SetStopLoss("BTCUSDT", 0, 0.05)
	assert.Error(t, err)
	_, err = r.SetStopLoss("BTCUSDT", 50000, 1.5)
	assert.Error(t, err)
	_, err = r.SetTakeProfit("BTCUSDT", 50000, 0)
	assert.Error(t, err)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(Limits{})
	_, err := r.SetStopLoss("BTCUSDT", 50000, 0.05)
	require.NoError(t, err)

	assert.True(t, r.RemoveStopLoss("BTCUSDT"))
	assert.False(t, r.RemoveStopLoss("BTCUSDT"), "second remove reports absence")
	assert.False(t, r.RemoveTakeProfit("BTCUSDT"))
}

func TestRegistry_DrawdownTracking(t *testing.T) {
	r := NewRegistry(Limits{MaxDrawdownPct: 0.20})

	r.UpdatePortfolio(PortfolioSnapshot{Equity: 10000, Timestamp: time.Now()})
	assert.Equal(t, 0.0, r.CurrentDrawdown())

	r.UpdatePortfolio(PortfolioSnapshot{Equity: 12000, Timestamp: time.Now()})
	assert.Equal(t, 0.0, r.CurrentDrawdown(), "new peak, no drawdown")

	r.UpdatePortfolio(PortfolioSnapshot{Equity: 9000, Timestamp: time.Now()})
	assert.InDelta(t, 0.25, r.CurrentDrawdown(), 1e-9, "25% below the 12000 peak")

	summary := r.RiskSummary()
	assert.Equal(t, 12000.0, summary.PeakEquity)
	assert.InDelta(t, 0.25, summary.CurrentDrawdown, 1e-9)
}

func TestRegistry_HaltLifecycle(t *testing.T) {
	r := NewRegistry(Limits{})
	assert.False(t, r.IsHalted())

	r.HaltTrading("drawdown breach")
	assert.True(t, r.IsHalted())

	// A second halt keeps the original reason
	r.HaltTrading("other reason")
	halted, reason, at := r.HaltState()
	assert.True(t, halted)
	assert.Equal(t, "drawdown breach", reason)
	assert.False(t, at.IsZero())

	r.ResumeTrading()
	assert.False(t, r.IsHalted())
	_, reason, _ = r.HaltState()
	assert.Empty(t, reason)
}

func TestRegistry_RestoreRoundTrip(t *testing.T) {
	r := NewRegistry(Limits{})
	_, err := r.SetStopLoss("BTCUSDT", 50000, 0.05)
	require.NoError(t, err)
	_, err = r.SetTakeProfit("ETHUSDT", 3000, 0.10)
	require.NoError(t, err)

	stops, targets := r.Intents()

	fresh := NewRegistry(Limits{})
	fresh.Restore(stops, targets)
	assert.Len(t, fresh.CheckExitTriggers("BTCUSDT", 40000), 1)
	assert.Len(t, fresh.CheckExitTriggers("ETHUSDT", 4000), 1)
}

func TestRegistry_SummaryIsACopy(t *testing.T) {
	r := NewRegistry(Limits{})
	_, err := r.SetStopLoss("BTCUSDT", 50000, 0.05)
	require.NoError(t, err)

	summary := r.RiskSummary()
	delete(summary.Stops, "BTCUSDT")

	assert.Len(t, r.CheckExitTriggers("BTCUSDT", 40000), 1, "mutating the summary must not touch the registry")
}

func TestRegistry_UpdateLimits(t *testing.T) {
	r := NewRegistry(Limits{MaxDrawdownPct: 0.20})
	r.UpdateLimits(Limits{MaxDrawdownPct: 0.10})
	assert.Equal(t, 0.10, r.GetLimits().MaxDrawdownPct)
}
