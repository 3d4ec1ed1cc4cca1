package guardian

import (
	"fmt"
	"time"

	"gridkeeper/logger"
)

// ReconcileReport describes one drift-repair pass. Failures populate Error
// instead of aborting, so the caller always gets a renderable report.
type ReconcileReport struct {
	Timestamp           time.Time `json:"timestamp"`
	PositionsChecked    int       `json:"positions_checked"`
	Orphaned            []string  `json:"orphaned"` // positions with no exit intent, reported only
	StaleStopsRemoved   []string  `json:"stale_stops_removed"`
	StaleTargetsRemoved []string  `json:"stale_targets_removed"`
	Error               string    `json:"error,omitempty"`
}

// Reconcile compares broker positions against the intent registries.
// Positions without any exit intent are orphans and only reported; intents
// without a live position are stale and deleted.
func (g *Guardian) Reconcile() *ReconcileReport {
	report := &ReconcileReport{Timestamp: time.Now()}

	positions, err := g.gateway.GetPositions()
	if err != nil {
		report.Error = fmt.Sprintf("fetch positions: %v", err)
		return report
	}
	report.PositionsChecked = len(positions)

	held := make(map[string]struct{}, len(positions))
	for _, pos := range positions {
		held[pos.Symbol] = struct{}{}
	}

	stops, targets := g.registry.Intents()

	for _, pos := range positions {
		_, hasStop := stops[pos.Symbol]
		_, hasTarget := targets[pos.Symbol]
		if !hasStop && !hasTarget {
			report.Orphaned = append(report.Orphaned, pos.Symbol)
			logger.Warnf("reconcile: position %s has no exit intent", pos.Symbol)
		}
	}

	for symbol := range stops {
		if _, ok := held[symbol]; !ok {
			g.registry.RemoveStopLoss(symbol)
			report.StaleStopsRemoved = append(report.StaleStopsRemoved, symbol)
			logger.Infof("reconcile: removed stale stop for %s", symbol)
		}
	}
	for symbol := range targets {
		if _, ok := held[symbol]; !ok {
			g.registry.RemoveTakeProfit(symbol)
			report.StaleTargetsRemoved = append(report.StaleTargetsRemoved, symbol)
			logger.Infof("reconcile: removed stale target for %s", symbol)
		}
	}

	if g.store != nil && (len(report.StaleStopsRemoved) > 0 || len(report.StaleTargetsRemoved) > 0) {
		s, t := g.registry.Intents()
		if err := g.store.Risk().SaveIntents(s, t); err != nil {
			logger.Warnf("reconcile: persist intents: %v", err)
		}
	}

	g.recordAction(Action{
		Time: time.Now(),
		Kind: "reconcile",
		Detail: fmt.Sprintf("positions=%d orphaned=%d stale=%d",
			report.PositionsChecked,
			len(report.Orphaned),
			len(report.StaleStopsRemoved)+len(report.StaleTargetsRemoved)),
		Success: true,
	})
	return report
}
