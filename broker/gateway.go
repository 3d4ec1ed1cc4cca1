// Package broker defines the exchange gateway used by the grid engine and the
// position guardian, plus its Binance USDT-margined futures implementation.
package broker

import "time"

// Order lifecycle states as reported by the exchange.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// Kline is one closed candle
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Position is an open position snapshot
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"` // signed: negative = short
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Account is an account-level equity snapshot
type Account struct {
	Equity         float64 `json:"equity"`
	Cash           float64 `json:"cash"`
	PortfolioValue float64 `json:"portfolio_value"`
	LastEquity     float64 `json:"last_equity"` // equity at the last UTC day rollover
}

// Gateway is the single seam to the exchange. Implementations must be safe for
// concurrent use: the grid engine and the guardian share one instance.
type Gateway interface {
	// Market data
	GetPrice(symbol string) (float64, error)
	GetKlines(symbol, interval string, limit int) ([]Kline, error)

	// Orders
	PlaceLimitOrder(symbol, side string, quantity, price float64) (string, error)
	CancelOrder(symbol, orderID string) error
	CancelAllOrders(symbol string) error
	GetOpenOrderIDs(symbol string) ([]string, error)
	GetOrderStatus(symbol, orderID string) (string, error)

	// Positions / account
	GetPositions() ([]Position, error)
	GetAccount() (*Account, error)
	ClosePosition(symbol string) error
	CloseAllPositions() error
}
