// Package guardian runs the position reconciliation loop: it mirrors broker
// positions into the risk registry, executes armed exit intents, and trips
// the drawdown circuit breaker.
package guardian

import (
	"fmt"
	"sync"
	"time"

	"gridkeeper/broker"
	"gridkeeper/logger"
	"gridkeeper/risk"
	"gridkeeper/store"
)

const (
	defaultInterval   = 5 * time.Second
	defaultMaxBackoff = 80 * time.Second
	recentActionsCap  = 50
)

// Action is one guardian intervention kept in the bounded recent log
type Action struct {
	Time        time.Time `json:"time"`
	Kind        string    `json:"kind"` // close_stop_loss, close_take_profit, drawdown_halt, reconcile
	Symbol      string    `json:"symbol,omitempty"`
	Detail      string    `json:"detail"`
	Success     bool      `json:"success"`
	RealizedPnL float64   `json:"realized_pnl,omitempty"`
}

// Summary is broadcast to observers after every successful tick
type Summary struct {
	Timestamp     time.Time `json:"timestamp"`
	Equity        float64   `json:"equity"`
	DailyPnL      float64   `json:"daily_pnl"`
	Drawdown      float64   `json:"drawdown"`
	Positions     int       `json:"positions"`
	ActiveStops   int       `json:"active_stops"`
	ActiveTargets int       `json:"active_targets"`
	Halted        bool      `json:"halted"`
}

// Status is the read-only guardian view served over the API
type Status struct {
	Running       bool     `json:"running"`
	ErrorStreak   int      `json:"error_streak"`
	NextDelay     string   `json:"next_delay"`
	LastSummary   Summary  `json:"last_summary"`
	RecentActions []Action `json:"recent_actions"`
}

// Guardian owns the reconciliation loop. The store may be nil (tests); the
// loop then runs purely in memory.
type Guardian struct {
	gateway    broker.Gateway
	registry   *risk.Registry
	store      *store.Store
	interval   time.Duration
	maxBackoff time.Duration

	mu          sync.Mutex
	running     bool
	errCount    int
	recent      []Action
	subscribers map[chan Summary]struct{}
	lastSummary Summary

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a stopped guardian
func New(gateway broker.Gateway, registry *risk.Registry, st *store.Store, interval, maxBackoff time.Duration) *Guardian {
	if interval <= 0 {
		interval = defaultInterval
	}
	if maxBackoff < interval {
		maxBackoff = defaultMaxBackoff
	}
	return &Guardian{
		gateway:     gateway,
		registry:    registry,
		store:       st,
		interval:    interval,
		maxBackoff:  maxBackoff,
		subscribers: make(map[chan Summary]struct{}),
	}
}

// Start restores persisted risk state, runs a startup reconciliation and
// launches the loop.
func (g *Guardian) Start() error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("guardian already running")
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.mu.Unlock()

	g.restoreState()

	report := g.Reconcile()
	if report.Error != "" {
		logger.Warnf("startup reconciliation incomplete: %s", report.Error)
	}

	g.wg.Add(1)
	go g.run()
	logger.Infof("guardian started: interval=%s max_backoff=%s", g.interval, g.maxBackoff)
	return nil
}

// Stop halts the loop and waits for an in-flight tick
func (g *Guardian) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	logger.Infof("guardian stopped")
}

// Subscribe returns a summary channel and its cancel func. Slow subscribers
// drop summaries; they never stall the tick.
func (g *Guardian) Subscribe() (<-chan Summary, func()) {
	ch := make(chan Summary, 8)
	g.mu.Lock()
	g.subscribers[ch] = struct{}{}
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		delete(g.subscribers, ch)
		g.mu.Unlock()
	}
	return ch, cancel
}

// Status returns the current guardian state
func (g *Guardian) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	actions := make([]Action, len(g.recent))
	copy(actions, g.recent)
	return Status{
		Running:       g.running,
		ErrorStreak:   g.errCount,
		NextDelay:     g.delayLocked().String(),
		LastSummary:   g.lastSummary,
		RecentActions: actions,
	}
}

// run is the self-resubmitting timer loop: success resets the delay to the
// base interval, each consecutive failure doubles it up to the cap.
func (g *Guardian) run() {
	defer g.wg.Done()
	timer := time.NewTimer(g.interval)
	defer timer.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-timer.C:
			if err := g.tick(); err != nil {
				g.mu.Lock()
				g.errCount++
				streak := g.errCount
				delay := g.delayLocked()
				g.mu.Unlock()
				g.logTickError(streak, delay, err)
				timer.Reset(delay)
			} else {
				g.mu.Lock()
				g.errCount = 0
				g.mu.Unlock()
				timer.Reset(g.interval)
			}
		}
	}
}

// delayLocked doubles the base interval per consecutive error, capped
func (g *Guardian) delayLocked() time.Duration {
	delay := g.interval
	for i := 0; i < g.errCount; i++ {
		delay *= 2
		if delay >= g.maxBackoff {
			return g.maxBackoff
		}
	}
	return delay
}

// logTickError rate-limits a persistent failure: first 3, then every 10th
func (g *Guardian) logTickError(streak int, delay time.Duration, err error) {
	if streak <= 3 || streak%10 == 0 {
		logger.Warnf("guardian tick failed (streak=%d, next in %s): %v", streak, delay, err)
	}
}

// tick runs one reconciliation pass. A fetch error aborts before any side
// effect; later failures are absorbed so one bad close never blocks the rest.
func (g *Guardian) tick() error {
	positions, err := g.gateway.GetPositions()
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	account, err := g.gateway.GetAccount()
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	dailyAnchor := account.LastEquity
	if g.store != nil {
		if eq, ok, err := g.store.Equity().LastEquityBefore(today); err == nil && ok {
			dailyAnchor = eq
		}
	}
	dailyPnL := account.Equity - dailyAnchor

	var unrealized float64
	for _, pos := range positions {
		unrealized += pos.UnrealizedPnL
	}

	g.registry.UpdatePortfolio(risk.PortfolioSnapshot{
		TotalValue:    account.PortfolioValue,
		Cash:          account.Cash,
		Equity:        account.Equity,
		UnrealizedPnL: unrealized,
		DailyPnL:      dailyPnL,
		Positions:     positions,
		Timestamp:     time.Now(),
	})

	for _, pos := range positions {
		for _, trigger := range g.registry.CheckExitTriggers(pos.Symbol, pos.MarkPrice) {
			g.executeTrigger(pos, trigger)
		}
	}

	g.checkDrawdown()

	summary := g.buildSummary(positions)
	g.broadcast(summary)
	g.persist(account, unrealized, dailyPnL, today)
	return nil
}

// executeTrigger closes a triggered position. The intent is consumed only
// after the close succeeded, so a failed close retries next tick.
func (g *Guardian) executeTrigger(pos broker.Position, trigger risk.ExitTrigger) {
	if err := g.gateway.ClosePosition(pos.Symbol); err != nil {
		logger.Warnf("guardian close %s (%s at %.4f) failed: %v", pos.Symbol, trigger.Kind, trigger.Price, err)
		g.recordAction(Action{
			Time:    time.Now(),
			Kind:    "close_" + string(trigger.Kind),
			Symbol:  pos.Symbol,
			Detail:  fmt.Sprintf("close failed at %.4f: %v", trigger.Price, err),
			Success: false,
		})
		return
	}

	g.registry.Consume(trigger)
	g.recordAction(Action{
		Time:        time.Now(),
		Kind:        "close_" + string(trigger.Kind),
		Symbol:      pos.Symbol,
		Detail:      fmt.Sprintf("intent %.4f fired at %.4f", trigger.Intent.Price, trigger.Price),
		Success:     true,
		RealizedPnL: pos.UnrealizedPnL,
	})
	logger.Infof("guardian closed %s: %s at %.4f, realized %.4f", pos.Symbol, trigger.Kind, trigger.Price, pos.UnrealizedPnL)
}

// checkDrawdown trips the circuit breaker once. The halt is irreversible
// until an operator resumes.
func (g *Guardian) checkDrawdown() {
	limits := g.registry.GetLimits()
	if limits.MaxDrawdownPct <= 0 || g.registry.IsHalted() {
		return
	}
	dd := g.registry.CurrentDrawdown()
	if dd < limits.MaxDrawdownPct {
		return
	}

	logger.Errorf("drawdown %.2f%% breached limit %.2f%%: closing all positions and halting",
		dd*100, limits.MaxDrawdownPct*100)

	success := true
	if err := g.gateway.CloseAllPositions(); err != nil {
		logger.Errorf("drawdown close-all failed: %v", err)
		success = false
	}
	reason := fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", dd*100, limits.MaxDrawdownPct*100)
	g.registry.HaltTrading(reason)

	g.recordAction(Action{
		Time:    time.Now(),
		Kind:    "drawdown_halt",
		Detail:  reason,
		Success: success,
	})
}

func (g *Guardian) buildSummary(positions []broker.Position) Summary {
	rs := g.registry.RiskSummary()
	summary := Summary{
		Timestamp:     time.Now(),
		Equity:        rs.Portfolio.Equity,
		DailyPnL:      rs.Portfolio.DailyPnL,
		Drawdown:      rs.CurrentDrawdown,
		Positions:     len(positions),
		ActiveStops:   len(rs.Stops),
		ActiveTargets: len(rs.Targets),
		Halted:        rs.Halted,
	}

	g.mu.Lock()
	g.lastSummary = summary
	g.mu.Unlock()
	return summary
}

// broadcast never blocks: a full subscriber buffer drops the summary
func (g *Guardian) broadcast(summary Summary) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ch := range g.subscribers {
		select {
		case ch <- summary:
		default:
		}
	}
}

// persist writes risk state and the once-a-day equity snapshot.
// Persistence failures are logged, never fatal to the tick.
func (g *Guardian) persist(account *broker.Account, unrealized, dailyPnL float64, today string) {
	if g.store == nil {
		return
	}

	stops, targets := g.registry.Intents()
	if err := g.store.Risk().SaveIntents(stops, targets); err != nil {
		logger.Warnf("persist risk intents: %v", err)
	}

	halted, reason, haltedAt := g.registry.HaltState()
	rs := g.registry.RiskSummary()
	if err := g.store.Risk().SaveState(halted, reason, haltedAt, rs.PeakEquity); err != nil {
		logger.Warnf("persist risk state: %v", err)
	}

	inserted, err := g.store.Equity().SaveDaily(store.EquitySnapshot{
		Date:          today,
		Equity:        account.Equity,
		Cash:          account.Cash,
		TotalValue:    account.PortfolioValue,
		UnrealizedPnL: unrealized,
		DailyPnL:      dailyPnL,
	})
	if err != nil {
		logger.Warnf("persist equity snapshot: %v", err)
	} else if inserted {
		logger.Infof("equity snapshot recorded for %s: %.4f", today, account.Equity)
	}
}

// restoreState reloads persisted intents, halt flag and peak equity
func (g *Guardian) restoreState() {
	if g.store == nil {
		return
	}

	stops, targets, err := g.store.Risk().LoadIntents()
	if err != nil {
		logger.Warnf("restore risk intents: %v", err)
	} else if len(stops) > 0 || len(targets) > 0 {
		g.registry.Restore(stops, targets)
		logger.Infof("restored %d stops, %d targets", len(stops), len(targets))
	}

	halted, reason, haltedAt, peak, err := g.store.Risk().LoadState()
	if err != nil {
		logger.Warnf("restore risk state: %v", err)
		return
	}
	g.registry.SetPeakEquity(peak)
	if halted {
		g.registry.RestoreHalt(halted, reason, haltedAt)
		logger.Warnf("restored trading halt from %s: %s", haltedAt.Format(time.RFC3339), reason)
	}
}

// recordAction appends to the bounded recent log, dropping the oldest
func (g *Guardian) recordAction(a Action) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recent = append(g.recent, a)
	if len(g.recent) > recentActionsCap {
		g.recent = g.recent[len(g.recent)-recentActionsCap:]
	}
}
