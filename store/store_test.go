package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridkeeper/risk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRiskStore_IntentsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	stops := map[string]risk.Intent{
		"BTCUSDT": {Symbol: "BTCUSDT", Price: 47500, Percent: 0.05, SetAt: time.Now()},
	}
	targets := map[string]risk.Intent{
		"ETHUSDT": {Symbol: "ETHUSDT", Price: 3300, Percent: 0.10, SetAt: time.Now()},
	}
	require.NoError(t, s.Risk().SaveIntents(stops, targets))

	gotStops, gotTargets, err := s.Risk().LoadIntents()
	require.NoError(t, err)
	require.Len(t, gotStops, 1)
	require.Len(t, gotTargets, 1)
	assert.InDelta(t, 47500, gotStops["BTCUSDT"].Price, 1e-9)
	assert.InDelta(t, 0.10, gotTargets["ETHUSDT"].Percent, 1e-9)

	// Save replaces wholesale
	require.NoError(t, s.Risk().SaveIntents(nil, targets))
	gotStops, gotTargets, err = s.Risk().LoadIntents()
	require.NoError(t, err)
	assert.Empty(t, gotStops)
	assert.Len(t, gotTargets, 1)
}

func TestRiskStore_StateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	// Fresh database yields zero values
	halted, reason, at, peak, err := s.Risk().LoadState()
	require.NoError(t, err)
	assert.False(t, halted)
	assert.Empty(t, reason)
	assert.True(t, at.IsZero())
	assert.Equal(t, 0.0, peak)

	haltedAt := time.Now().Truncate(time.Second)
	require.NoError(t, s.Risk().SaveState(true, "drawdown 22% >= limit 20%", haltedAt, 12000))

	halted, reason, at, peak, err = s.Risk().LoadState()
	require.NoError(t, err)
	assert.True(t, halted)
	assert.Equal(t, "drawdown 22% >= limit 20%", reason)
	assert.Equal(t, haltedAt.UTC().Unix(), at.UTC().Unix())
	assert.Equal(t, 12000.0, peak)

	// Second save overwrites
	require.NoError(t, s.Risk().SaveState(false, "", time.Time{}, 13000))
	halted, _, _, peak, err = s.Risk().LoadState()
	require.NoError(t, err)
	assert.False(t, halted)
	assert.Equal(t, 13000.0, peak)
}

func TestEquityStore_DailySnapshotIdempotent(t *testing.T) {
	s := newTestStore(t)

	snap := EquitySnapshot{Date: "2026-08-23", Equity: 10000, Cash: 8000, TotalValue: 10000, DailyPnL: 150}
	inserted, err := s.Equity().SaveDaily(snap)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same date again: ignored, first value kept
	snap.Equity = 99999
	inserted, err = s.Equity().SaveDaily(snap)
	require.NoError(t, err)
	assert.False(t, inserted)

	snaps, err := s.Equity().Latest(10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 10000.0, snaps[0].Equity)
}

func TestEquityStore_LastEquityBefore(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Equity().LastEquityBefore("2026-08-23")
	require.NoError(t, err)
	assert.False(t, ok, "fresh database has no anchor")

	for _, d := range []struct {
		date   string
		equity float64
	}{
		{"2026-08-21", 9500},
		{"2026-08-22", 9800},
		{"2026-08-23", 10000},
	} {
		_, err := s.Equity().SaveDaily(EquitySnapshot{Date: d.date, Equity: d.equity})
		require.NoError(t, err)
	}

	eq, ok, err := s.Equity().LastEquityBefore("2026-08-23")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9800.0, eq)
}

func TestEquityStore_LatestNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, date := range []string{"2026-08-20", "2026-08-22", "2026-08-21"} {
		_, err := s.Equity().SaveDaily(EquitySnapshot{Date: date, Equity: 1})
		require.NoError(t, err)
	}

	snaps, err := s.Equity().Latest(2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "2026-08-22", snaps[0].Date)
	assert.Equal(t, "2026-08-21", snaps[1].Date)
}
