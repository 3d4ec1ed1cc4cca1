// Package risk holds the mutex-guarded stop-loss/take-profit registries, the
// portfolio snapshot and the global halt capability shared by the guardian
// and the HTTP control surface.
package risk

import (
	"fmt"
	"sync"
	"time"

	"gridkeeper/broker"
)

// TriggerKind identifies which registry fired
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "stop_loss"
	TriggerTakeProfit TriggerKind = "take_profit"
)

// Intent is one armed exit level
type Intent struct {
	Symbol  string    `json:"symbol"`
	Price   float64   `json:"price"`
	Percent float64   `json:"percent"`
	SetAt   time.Time `json:"set_at"`
}

// ExitTrigger is a fired intent awaiting execution
type ExitTrigger struct {
	Kind   TriggerKind `json:"kind"`
	Symbol string      `json:"symbol"`
	Intent Intent      `json:"intent"`
	Price  float64     `json:"price"` // price that fired it
}

// PortfolioSnapshot is replaced wholesale on every guardian tick
type PortfolioSnapshot struct {
	TotalValue    float64           `json:"total_value"`
	Cash          float64           `json:"cash"`
	Equity        float64           `json:"equity"`
	UnrealizedPnL float64           `json:"unrealized_pnl"`
	DailyPnL      float64           `json:"daily_pnl"`
	Positions     []broker.Position `json:"positions"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Limits are the account-level risk limits
type Limits struct {
	MaxDrawdownPct float64 `json:"max_drawdown_pct"` // 0 disables the circuit breaker
}

// Summary is the read-only registry view served over the API
type Summary struct {
	Stops           map[string]Intent `json:"stops"`
	Targets         map[string]Intent `json:"targets"`
	Portfolio       PortfolioSnapshot `json:"portfolio"`
	PeakEquity      float64           `json:"peak_equity"`
	CurrentDrawdown float64           `json:"current_drawdown"`
	Limits          Limits            `json:"limits"`
	Halted          bool              `json:"halted"`
	HaltReason      string            `json:"halt_reason,omitempty"`
	HaltedAt        time.Time         `json:"halted_at,omitempty"`
}

// Registry is safe for concurrent use by the guardian tick and REST handlers
type Registry struct {
	mu         sync.RWMutex
	stops      map[string]Intent
	targets    map[string]Intent
	snapshot   PortfolioSnapshot
	peakEquity float64
	limits     Limits
	halted     bool
	haltReason string
	haltedAt   time.Time
}

// NewRegistry creates an empty registry with the given limits
func NewRegistry(limits Limits) *Registry {
	return &Registry{
		stops:   make(map[string]Intent),
		targets: make(map[string]Intent),
		limits:  limits,
	}
}

// SetStopLoss arms a stop at currentPrice*(1-pct)
func (r *Registry) SetStopLoss(symbol string, currentPrice, pct float64) (Intent, error) {
	if currentPrice <= 0 || pct <= 0 || pct >= 1 {
		return Intent{}, fmt.Errorf("invalid stop loss: price=%.4f pct=%.4f", currentPrice, pct)
	}
	intent := Intent{
		Symbol:  symbol,
		Price:   currentPrice * (1 - pct),
		Percent: pct,
		SetAt:   time.Now(),
	}
	r.mu.Lock()
	r.stops[symbol] = intent
	r.mu.Unlock()
	return intent, nil
}

// SetTakeProfit arms a target at currentPrice*(1+pct)
func (r *Registry) SetTakeProfit(symbol string, currentPrice, pct float64) (Intent, error) {
	if currentPrice <= 0 || pct <= 0 {
		return Intent{}, fmt.Errorf("invalid take profit: price=%.4f pct=%.4f", currentPrice, pct)
	}
	intent := Intent{
		Symbol:  symbol,
		Price:   currentPrice * (1 + pct),
		Percent: pct,
		SetAt:   time.Now(),
	}
	r.mu.Lock()
	r.targets[symbol] = intent
	r.mu.Unlock()
	return intent, nil
}

// RemoveStopLoss disarms the stop for symbol, reporting whether one existed
func (r *Registry) RemoveStopLoss(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stops[symbol]
	delete(r.stops, symbol)
	return ok
}

// RemoveTakeProfit disarms the target for symbol
func (r *Registry) RemoveTakeProfit(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.targets[symbol]
	delete(r.targets, symbol)
	return ok
}

// CheckExitTriggers evaluates both registries for symbol at price. It only
// reports; consuming a fired intent is the caller's call, after the close
// actually succeeded.
func (r *Registry) CheckExitTriggers(symbol string, price float64) []ExitTrigger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var triggers []ExitTrigger
	if stop, ok := r.stops[symbol]; ok && price <= stop.Price {
		triggers = append(triggers, ExitTrigger{Kind: TriggerStopLoss, Symbol: symbol, Intent: stop, Price: price})
	}
	if target, ok := r.targets[symbol]; ok && price >= target.Price {
		triggers = append(triggers, ExitTrigger{Kind: TriggerTakeProfit, Symbol: symbol, Intent: target, Price: price})
	}
	return triggers
}

// Consume deletes a fired intent after its close succeeded
func (r *Registry) Consume(trigger ExitTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch trigger.Kind {
	case TriggerStopLoss:
		delete(r.stops, trigger.Symbol)
	case TriggerTakeProfit:
		delete(r.targets, trigger.Symbol)
	}
}

// Intents returns copies of both registries (stops, targets)
func (r *Registry) Intents() (map[string]Intent, map[string]Intent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyIntents(r.stops), copyIntents(r.targets)
}

// Restore replaces both registries, used when reloading persisted state
func (r *Registry) Restore(stops, targets map[string]Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = copyIntents(stops)
	r.targets = copyIntents(targets)
}

// UpdatePortfolio replaces the snapshot and advances the tracked peak equity
func (r *Registry) UpdatePortfolio(snapshot PortfolioSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = snapshot
	if snapshot.Equity > r.peakEquity {
		r.peakEquity = snapshot.Equity
	}
}

// CurrentDrawdown returns the fractional drawdown from peak equity
func (r *Registry) CurrentDrawdown() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.drawdownLocked()
}

func (r *Registry) drawdownLocked() float64 {
	if r.peakEquity <= 0 {
		return 0
	}
	dd := (r.peakEquity - r.snapshot.Equity) / r.peakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// SetPeakEquity seeds the peak when restoring persisted state
func (r *Registry) SetPeakEquity(peak float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peak > r.peakEquity {
		r.peakEquity = peak
	}
}

// UpdateLimits replaces the account-level limits
func (r *Registry) UpdateLimits(limits Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
}

// GetLimits returns the current limits
func (r *Registry) GetLimits() Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limits
}

// HaltTrading raises the global halt flag. It stays raised until
// ResumeTrading; repeated calls keep the first reason.
func (r *Registry) HaltTrading(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return
	}
	r.halted = true
	r.haltReason = reason
	r.haltedAt = time.Now()
}

// ResumeTrading clears the halt flag
func (r *Registry) ResumeTrading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = false
	r.haltReason = ""
	r.haltedAt = time.Time{}
}

// IsHalted reports the halt flag
func (r *Registry) IsHalted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.halted
}

// HaltState returns the full halt tuple for persistence
func (r *Registry) HaltState() (bool, string, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.halted, r.haltReason, r.haltedAt
}

// RestoreHalt reapplies a persisted halt
func (r *Registry) RestoreHalt(halted bool, reason string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = halted
	r.haltReason = reason
	r.haltedAt = at
}

// RiskSummary returns a consistent copy of the whole registry state
func (r *Registry) RiskSummary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Summary{
		Stops:           copyIntents(r.stops),
		Targets:         copyIntents(r.targets),
		Portfolio:       r.snapshot,
		PeakEquity:      r.peakEquity,
		CurrentDrawdown: r.drawdownLocked(),
		Limits:          r.limits,
		Halted:          r.halted,
		HaltReason:      r.haltReason,
		HaltedAt:        r.haltedAt,
	}
}

func copyIntents(src map[string]Intent) map[string]Intent {
	dst := make(map[string]Intent, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
