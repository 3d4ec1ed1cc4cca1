package grid

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridkeeper/broker"
	"gridkeeper/logger"
)

// EngineState is the session lifecycle state
type EngineState string

const (
	StateStopped  EngineState = "stopped"
	StateStarting EngineState = "starting"
	StateRunning  EngineState = "running"
	StateStopping EngineState = "stopping"
)

// Options tunes engine cadence. Zero values take the defaults.
type Options struct {
	PollInterval         time.Duration // fill-detection poll, default 5s
	PriceRefreshInterval time.Duration // display price refresh, default 15s
	PlacementDelay       time.Duration // pause between ladder placements, default 250ms
	RegimeRefreshTicks   int           // regime re-detection every N polls, default 12
	LedgerCapacity       int           // decision ledger size, default 256
	KlineInterval        string        // candle interval for indicators, default 5m
	KlineLimit           int           // candles fetched per refresh, default 50
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PriceRefreshInterval <= 0 {
		o.PriceRefreshInterval = 15 * time.Second
	}
	if o.PlacementDelay < 0 {
		o.PlacementDelay = 0
	} else if o.PlacementDelay == 0 {
		o.PlacementDelay = 250 * time.Millisecond
	}
	if o.RegimeRefreshTicks <= 0 {
		o.RegimeRefreshTicks = 12
	}
	if o.KlineInterval == "" {
		o.KlineInterval = "5m"
	}
	if o.KlineLimit <= 0 {
		o.KlineLimit = 50
	}
}

// Engine runs one grid session at a time against a broker gateway.
// All mutable session state lives behind the mutex; the poll loop and the
// price loop are the only background writers.
type Engine struct {
	gateway broker.Gateway
	opts    Options
	ledger  *Ledger

	mu        sync.RWMutex
	state     EngineState
	sessionID string
	cfg       Config
	plan      *LevelPlan
	orders    map[string]*Order
	stats     SessionStats
	regime    Regime
	lastPrice float64
	tickCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a stopped engine
func NewEngine(gateway broker.Gateway, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		gateway: gateway,
		opts:    opts,
		ledger:  NewLedger(opts.LedgerCapacity),
		state:   StateStopped,
		orders:  make(map[string]*Order),
	}
}

// Start validates cfg, places the initial ladder and launches the poll loops.
// It fails without side effects when already running, when cfg is invalid, or
// when the gateway is unreachable.
func (e *Engine) Start(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != StateStopped {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine is %s", state)
	}
	e.state = StateStarting
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	price, err := e.gateway.GetPrice(cfg.Symbol)
	if err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("fetch start price: %w", err)
	}

	plan, err := CalculateLevels(price, cfg.UpperPrice, cfg.LowerPrice, cfg.GridCount, cfg.Mode)
	if err != nil {
		e.setState(StateStopped)
		return err
	}
	if !plan.InRange {
		logger.Warnf("grid start: price %.4f outside range [%.4f, %.4f]", price, cfg.LowerPrice, cfg.UpperPrice)
	}

	regime := e.detectStartRegime(cfg.Symbol)

	e.mu.Lock()
	e.sessionID = uuid.NewString()
	e.cfg = cfg
	e.plan = plan
	e.orders = make(map[string]*Order)
	e.stats = SessionStats{StartTime: time.Now(), StartPrice: price}
	e.regime = regime
	e.lastPrice = price
	e.tickCount = 0
	e.mu.Unlock()

	e.ledger.Append("SYSTEM", "START", "grid session started", map[string]string{
		"session":  e.sessionID,
		"symbol":   cfg.Symbol,
		"price":    formatFloat(price),
		"levels":   strconv.Itoa(len(plan.Levels)),
		"regime":   string(regime),
		"leverage": strconv.Itoa(RecommendedLeverage(regime)),
	})
	logger.Infof("grid session %s started: %s %.4f-%.4f x%d, regime=%s",
		e.sessionID, cfg.Symbol, cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount, regime)

	e.placeInitialLadder(cfg, plan, price)

	// An emergency stop during ladder placement wins over the startup
	e.mu.Lock()
	if e.state != StateStarting {
		e.mu.Unlock()
		return fmt.Errorf("session aborted during startup")
	}
	e.state = StateRunning
	e.wg.Add(2)
	e.mu.Unlock()

	go e.runPollLoop()
	go e.runPriceLoop()
	return nil
}

// Stop cancels locally tracked open orders, waits for the loops to drain and
// returns the final session stats.
func (e *Engine) Stop() (*SessionStats, error) {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is %s", state)
	}
	e.state = StateStopping
	close(e.stopCh)
	e.mu.Unlock()

	e.cancelTrackedOpen()
	e.wg.Wait()

	e.mu.Lock()
	e.state = StateStopped
	stats := e.stats
	e.mu.Unlock()

	e.ledger.Append("SYSTEM", "STOP", "graceful stop", map[string]string{
		"profit": formatFloat(stats.TotalProfit),
		"cycles": strconv.Itoa(stats.CyclesCompleted),
	})
	logger.Infof("grid session stopped: profit=%.4f cycles=%d", stats.TotalProfit, stats.CyclesCompleted)
	return &stats, nil
}

// EmergencyStop cancels every open order on the session symbol with a single
// account-side cancel-all, independent of local tracking. It does not wait
// for an in-flight poll tick.
func (e *Engine) EmergencyStop() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StateStarting {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine is %s", state)
	}
	e.state = StateStopping
	symbol := e.cfg.Symbol
	for _, o := range e.orders {
		if o.Status == OrderOpen {
			o.Status = OrderCancelled
		}
	}
	if e.stopCh != nil {
		close(e.stopCh)
	}
	e.mu.Unlock()

	err := e.gateway.CancelAllOrders(symbol)
	if err != nil {
		logger.Errorf("emergency stop: cancel-all on %s failed: %v", symbol, err)
	}

	e.setState(StateStopped)
	e.ledger.Append("RISK", "EMERGENCY_STOP", "cancel-all issued", map[string]string{"symbol": symbol})
	logger.Warnf("grid emergency stop on %s", symbol)
	return err
}

// Status returns a point-in-time snapshot of the session
func (e *Engine) Status() *StatusReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	report := &StatusReport{
		State:     e.state,
		Running:   e.state == StateRunning,
		SessionID: e.sessionID,
		Regime:    e.regime,
		Leverage:  RecommendedLeverage(e.regime),
	}
	if e.plan == nil {
		return report
	}

	report.Config = e.cfg
	report.CurrentPrice = e.lastPrice
	report.Stats = e.stats
	if !e.stats.StartTime.IsZero() {
		report.UptimeSeconds = int(time.Since(e.stats.StartTime).Seconds())
	}

	breakout, pct := CheckBreakout(e.lastPrice, e.cfg.UpperPrice, e.cfg.LowerPrice)
	report.Breakout = breakout
	report.BreakoutPct = pct

	report.Levels = make([]LevelStatus, len(e.plan.Levels))
	for i, lvl := range e.plan.Levels {
		report.Levels[i] = LevelStatus{Index: lvl.Index, Price: lvl.Price}
	}
	for _, o := range e.orders {
		report.TotalOrders++
		switch o.Status {
		case OrderOpen:
			report.OpenOrders++
		case OrderFilled:
			report.FilledOrders++
		}
		if o.Status == OrderOpen && o.LevelIndex < len(report.Levels) {
			c := *o
			if o.Side == SideBuy {
				report.Levels[o.LevelIndex].BuyOrder = &c
			} else {
				report.Levels[o.LevelIndex].SellOrder = &c
			}
		}
	}
	return report
}

// Decisions returns the most recent ledger entries, newest first
func (e *Engine) Decisions(limit int) []DecisionEntry {
	return e.ledger.Recent(limit)
}

// Preview computes the ladder for cfg without placing anything
func (e *Engine) Preview(cfg Config) (*LevelPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	price, err := e.gateway.GetPrice(cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch price: %w", err)
	}
	return CalculateLevels(price, cfg.UpperPrice, cfg.LowerPrice, cfg.GridCount, cfg.Mode)
}

// StatusReport is the read-only session snapshot served over the API
type StatusReport struct {
	State         EngineState   `json:"state"`
	Running       bool          `json:"running"`
	SessionID     string        `json:"session_id,omitempty"`
	Config        Config        `json:"config"`
	CurrentPrice  float64       `json:"current_price"`
	Regime        Regime        `json:"regime"`
	Leverage      int           `json:"leverage"`
	Breakout      BreakoutType  `json:"breakout"`
	BreakoutPct   float64       `json:"breakout_pct"`
	Levels        []LevelStatus `json:"levels,omitempty"`
	Stats         SessionStats  `json:"stats"`
	UptimeSeconds int           `json:"uptime_seconds"`
	OpenOrders    int           `json:"open_orders"`
	FilledOrders  int           `json:"filled_orders"`
	TotalOrders   int           `json:"total_orders"`
}

// LevelStatus is one ladder rung with its current slot occupancy
type LevelStatus struct {
	Index     int     `json:"index"`
	Price     float64 `json:"price"`
	BuyOrder  *Order  `json:"buy_order,omitempty"`
	SellOrder *Order  `json:"sell_order,omitempty"`
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) runPollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollTick()
		}
	}
}

func (e *Engine) runPriceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PriceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.refreshPrice()
		}
	}
}

func (e *Engine) refreshPrice() {
	e.mu.RLock()
	symbol := e.cfg.Symbol
	e.mu.RUnlock()

	price, err := e.gateway.GetPrice(symbol)
	if err != nil {
		logger.Debugf("price refresh %s: %v", symbol, err)
		return
	}
	e.mu.Lock()
	e.lastPrice = price
	e.mu.Unlock()
}

// pollTick runs one fill-detection cycle. The internal ordering is
// load-bearing: risk checks run before any new order is placed.
func (e *Engine) pollTick() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	cfg := e.cfg
	price := e.lastPrice
	e.tickCount++
	tick := e.tickCount
	e.mu.Unlock()

	// Stop-loss: evaluated against the cached display price
	if cfg.StopLossPct > 0 && price > 0 {
		floor := cfg.LowerPrice * (1 - cfg.StopLossPct)
		if price <= floor {
			e.ledger.Append("RISK", "STOP_LOSS", "price crossed stop floor", map[string]string{
				"price": formatFloat(price),
				"floor": formatFloat(floor),
			})
			if err := e.EmergencyStop(); err != nil {
				logger.Errorf("stop-loss emergency stop: %v", err)
			}
			return
		}
	}

	// Take-profit on cumulative realized profit
	if cfg.TakeProfitPct > 0 && cfg.TotalCapital > 0 {
		e.mu.RLock()
		profit := e.stats.TotalProfit
		e.mu.RUnlock()
		if profit/cfg.TotalCapital >= cfg.TakeProfitPct {
			e.ledger.Append("PROFIT", "TAKE_PROFIT", "profit target reached", map[string]string{
				"profit": formatFloat(profit),
				"target": formatFloat(cfg.TakeProfitPct * cfg.TotalCapital),
			})
			e.stopFromTick()
			return
		}
	}

	if tick%e.opts.RegimeRefreshTicks == 0 {
		e.refreshRegime(cfg.Symbol)
	}

	e.detectAndReactFills(cfg)
}

// stopFromTick performs a graceful stop from inside the poll goroutine.
// It must not wait on the loop waitgroup.
func (e *Engine) stopFromTick() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	close(e.stopCh)
	e.mu.Unlock()

	e.cancelTrackedOpen()

	e.mu.Lock()
	e.state = StateStopped
	stats := e.stats
	e.mu.Unlock()

	e.ledger.Append("SYSTEM", "STOP", "take-profit stop", map[string]string{
		"profit": formatFloat(stats.TotalProfit),
	})
	logger.Infof("grid session stopped on take-profit: profit=%.4f", stats.TotalProfit)
}

func (e *Engine) detectStartRegime(symbol string) Regime {
	klines, err := e.gateway.GetKlines(symbol, e.opts.KlineInterval, e.opts.KlineLimit)
	if err != nil || len(klines) == 0 {
		logger.Debugf("start regime detection %s: %v", symbol, err)
		return RegimeStandard
	}
	boll := BollingerWidthPct(closesOf(klines), 20, 2)
	atr := ATRPct(klines, 14)
	return DetectRegime(boll, atr)
}

func (e *Engine) refreshRegime(symbol string) {
	klines, err := e.gateway.GetKlines(symbol, e.opts.KlineInterval, e.opts.KlineLimit)
	if err != nil || len(klines) == 0 {
		logger.Debugf("regime refresh %s: %v", symbol, err)
		return
	}
	boll := BollingerWidthPct(closesOf(klines), 20, 2)
	atr := ATRPct(klines, 14)
	regime := DetectRegime(boll, atr)

	e.mu.Lock()
	prev := e.regime
	e.regime = regime
	e.mu.Unlock()

	if regime != prev {
		e.ledger.Append("REGIME", "SHIFT", "volatility regime changed", map[string]string{
			"from":     string(prev),
			"to":       string(regime),
			"boll_pct": formatFloat(boll),
			"atr_pct":  formatFloat(atr),
			"leverage": strconv.Itoa(RecommendedLeverage(regime)),
		})
		logger.Infof("regime shift %s: %s -> %s (boll=%.2f%% atr=%.2f%%)", symbol, prev, regime, boll, atr)
	}
}

// detectAndReactFills diffs the live open-order IDs against local tracking
// and reacts to every order that disappeared.
func (e *Engine) detectAndReactFills(cfg Config) {
	ids, err := e.gateway.GetOpenOrderIDs(cfg.Symbol)
	if err != nil {
		// Transient: retried on the next poll, no backoff
		logger.Warnf("open order poll %s: %v", cfg.Symbol, err)
		return
	}
	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}

	e.mu.RLock()
	var gone []*Order
	for id, o := range e.orders {
		if o.Status != OrderOpen {
			continue
		}
		if _, ok := live[id]; !ok {
			gone = append(gone, o)
		}
	}
	e.mu.RUnlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].LevelIndex < gone[j].LevelIndex })

	for _, o := range gone {
		status, err := e.gateway.GetOrderStatus(cfg.Symbol, o.ID)
		if err == nil && isCancelStatus(status) {
			e.markCancelled(o)
			e.ledger.Append("ORDER", "EXTERNAL_CANCEL", "order removed outside the engine", map[string]string{
				"order_id": o.ID,
				"level":    strconv.Itoa(o.LevelIndex),
				"status":   status,
			})
			continue
		}
		// Lookup failure fails open: a missed fill is worse than a spare order
		e.handleFill(cfg, o, err == nil)
	}
}

func isCancelStatus(status string) bool {
	return status == broker.StatusCanceled || status == broker.StatusExpired || status == broker.StatusRejected
}

// handleFill transitions one order open->filled and places the counter-order.
// Replays are no-ops: the transition happens at most once per order.
func (e *Engine) handleFill(cfg Config, o *Order, confirmed bool) {
	e.mu.Lock()
	if o.Status != OrderOpen {
		e.mu.Unlock()
		return
	}
	o.Status = OrderFilled
	o.FilledAt = time.Now()
	if o.Side == SideBuy {
		e.stats.BuysFilled++
	} else {
		e.stats.SellsFilled++
	}
	levels := e.plan.Levels
	e.mu.Unlock()

	ctx := map[string]string{
		"order_id": o.ID,
		"level":    strconv.Itoa(o.LevelIndex),
		"price":    formatFloat(o.Price),
		"qty":      formatFloat(o.Quantity),
	}
	if !confirmed {
		ctx["confirmed"] = "false"
	}
	e.ledger.Append("ORDER", "FILL_"+string(o.Side), "resting order left the book", ctx)

	switch o.Side {
	case SideBuy:
		next := o.LevelIndex + 1
		if next >= len(levels) {
			e.ledger.Append("ORDER", "SKIP_COUNTER", "fill at top level, no sell rung above", map[string]string{"level": strconv.Itoa(o.LevelIndex)})
			return
		}
		e.placeGridOrder(cfg, next, SideSell, o.Quantity, levels[next].Price)

	case SideSell:
		prev := o.LevelIndex - 1
		if prev >= 0 {
			qty := cfg.CapitalPerGrid() / levels[prev].Price
			e.placeGridOrder(cfg, prev, SideBuy, qty, levels[prev].Price)
		} else {
			e.ledger.Append("ORDER", "SKIP_COUNTER", "fill at bottom level, no buy rung below", map[string]string{"level": "0"})
		}

		// One round trip completes here, and only here
		if o.LevelIndex >= 1 {
			gross := (levels[o.LevelIndex].Price - levels[o.LevelIndex-1].Price) * o.Quantity
			fees := o.Price * o.Quantity * cfg.MakerFee * 2
			net := gross - fees

			e.mu.Lock()
			e.stats.TotalProfit += net
			e.stats.TotalFees += fees
			e.stats.CyclesCompleted++
			cycles := e.stats.CyclesCompleted
			total := e.stats.TotalProfit
			e.mu.Unlock()

			e.ledger.Append("PROFIT", "CYCLE", "buy-sell round trip completed", map[string]string{
				"level":  strconv.Itoa(o.LevelIndex),
				"gross":  formatFloat(gross),
				"fees":   formatFloat(fees),
				"net":    formatFloat(net),
				"cycles": strconv.Itoa(cycles),
				"total":  formatFloat(total),
			})
			logger.Infof("grid cycle #%d: net=%.4f total=%.4f", cycles, net, total)
		}
	}
}

// placeGridOrder places one ladder order, first clearing a stale open order
// occupying the same (level, side) slot.
func (e *Engine) placeGridOrder(cfg Config, levelIdx int, side Side, qty, price float64) {
	e.mu.RLock()
	active := e.state == StateRunning || e.state == StateStarting
	var stale *Order
	for _, o := range e.orders {
		if o.Status == OrderOpen && o.LevelIndex == levelIdx && o.Side == side {
			stale = o
			break
		}
	}
	e.mu.RUnlock()
	if !active {
		return
	}

	if stale != nil {
		if err := e.gateway.CancelOrder(cfg.Symbol, stale.ID); err != nil {
			// The stale order may have just filled; next poll sorts it out
			logger.Debugf("stale slot cancel %s: %v", stale.ID, err)
		}
		e.markCancelled(stale)
	}

	id, err := e.gateway.PlaceLimitOrder(cfg.Symbol, string(side), qty, price)
	if err != nil {
		e.ledger.Append("ORDER", "PLACE_FAILED", err.Error(), map[string]string{
			"level": strconv.Itoa(levelIdx),
			"side":  string(side),
			"price": formatFloat(price),
		})
		logger.Warnf("place %s@%d %.4f failed: %v", side, levelIdx, price, err)
		return
	}

	e.mu.Lock()
	e.orders[id] = &Order{
		ID:         id,
		LevelIndex: levelIdx,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Status:     OrderOpen,
		PlacedAt:   time.Now(),
	}
	e.mu.Unlock()

	e.ledger.Append("ORDER", "PLACE_"+string(side), "ladder order placed", map[string]string{
		"order_id": id,
		"level":    strconv.Itoa(levelIdx),
		"price":    formatFloat(price),
		"qty":      formatFloat(qty),
	})
}

// placeInitialLadder places BUYs below and SELLs above the start price,
// skipping the two levels bracketing it, with a pacing delay per order.
func (e *Engine) placeInitialLadder(cfg Config, plan *LevelPlan, price float64) {
	capital := cfg.CapitalPerGrid()
	for i, lvl := range plan.Levels {
		if i == plan.CurrentZone || i == plan.CurrentZone+1 {
			continue
		}
		side := SideSell
		if lvl.Price < price {
			side = SideBuy
		}
		qty := capital / lvl.Price
		e.placeGridOrder(cfg, i, side, qty, lvl.Price)
		if e.opts.PlacementDelay > 0 {
			time.Sleep(e.opts.PlacementDelay)
		}
	}
}

// cancelTrackedOpen cancels only the orders this session placed and still
// tracks as open.
func (e *Engine) cancelTrackedOpen() {
	e.mu.RLock()
	symbol := e.cfg.Symbol
	var open []*Order
	for _, o := range e.orders {
		if o.Status == OrderOpen {
			open = append(open, o)
		}
	}
	e.mu.RUnlock()

	for _, o := range open {
		if err := e.gateway.CancelOrder(symbol, o.ID); err != nil {
			logger.Warnf("cancel %s on stop: %v", o.ID, err)
		}
		e.markCancelled(o)
	}
}

func (e *Engine) markCancelled(o *Order) {
	e.mu.Lock()
	if o.Status == OrderOpen {
		o.Status = OrderCancelled
	}
	e.mu.Unlock()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
