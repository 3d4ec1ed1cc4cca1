// Package grid implements the grid trading ladder: the pure level planner,
// the order-lifecycle engine, and the bounded decision ledger.
package grid

import "time"

// Side of a resting order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the engine-local lifecycle state of a tracked order
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// SpacingMode selects how ladder levels are spaced
type SpacingMode string

const (
	SpacingArithmetic SpacingMode = "arithmetic"
	SpacingGeometric  SpacingMode = "geometric"
)

// Regime is the volatility classification driving leverage recommendations
type Regime string

const (
	RegimeNarrow   Regime = "narrow"
	RegimeStandard Regime = "standard"
	RegimeWide     Regime = "wide"
	RegimeVolatile Regime = "volatile"
)

// BreakoutType reports which boundary the price escaped, if any
type BreakoutType string

const (
	BreakoutNone  BreakoutType = "none"
	BreakoutUpper BreakoutType = "upper"
	BreakoutLower BreakoutType = "lower"
)

// Level is one rung of the ladder. Levels are immutable for a session.
type Level struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
}

// Order is a tracked ladder order, keyed by the broker order ID
type Order struct {
	ID         string      `json:"id"`
	LevelIndex int         `json:"level_index"`
	Side       Side        `json:"side"`
	Price      float64     `json:"price"`
	Quantity   float64     `json:"quantity"`
	Status     OrderStatus `json:"status"`
	PlacedAt   time.Time   `json:"placed_at"`
	FilledAt   time.Time   `json:"filled_at,omitempty"`
}

// Config is the per-session grid configuration, validated once at start
type Config struct {
	Symbol        string      `json:"symbol"`
	UpperPrice    float64     `json:"upper_price"`
	LowerPrice    float64     `json:"lower_price"`
	GridCount     int         `json:"grid_count"`
	TotalCapital  float64     `json:"total_capital"`
	Mode          SpacingMode `json:"mode"`
	StopLossPct   float64     `json:"stop_loss_pct"`
	TakeProfitPct float64     `json:"take_profit_pct"` // 0 disables the check
	MakerFee      float64     `json:"maker_fee"`
}

// CapitalPerGrid is the fixed quote budget of one BUY slot
func (c *Config) CapitalPerGrid() float64 {
	if c.GridCount <= 0 {
		return 0
	}
	return c.TotalCapital / float64(c.GridCount)
}

// SessionStats accumulates over one session and resets on Start
type SessionStats struct {
	TotalProfit     float64   `json:"total_profit"`
	TotalFees       float64   `json:"total_fees"`
	CyclesCompleted int       `json:"cycles_completed"`
	BuysFilled      int       `json:"buys_filled"`
	SellsFilled     int       `json:"sells_filled"`
	StartTime       time.Time `json:"start_time"`
	StartPrice      float64   `json:"start_price"`
}

// DecisionEntry is one record in the decision ledger
type DecisionEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category"` // ORDER, PROFIT, RISK, REGIME, SYSTEM
	Action    string            `json:"action"`
	Reason    string            `json:"reason"`
	Context   map[string]string `json:"context,omitempty"`
}
