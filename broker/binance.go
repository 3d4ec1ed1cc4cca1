package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"gridkeeper/logger"
)

const defaultCallTimeout = 10 * time.Second

// BinanceFutures is the USDT-margined futures gateway
type BinanceFutures struct {
	client  *futures.Client
	timeout time.Duration

	// day anchor for LastEquity
	mu        sync.Mutex
	anchorDay string
	anchorEq  float64
}

// NewBinanceFutures creates a gateway against the Binance futures REST API
func NewBinanceFutures(apiKey, secretKey string) *BinanceFutures {
	return &BinanceFutures{
		client:  futures.NewClient(apiKey, secretKey),
		timeout: defaultCallTimeout,
	}
}

func (b *BinanceFutures) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

// GetPrice returns the latest traded price for symbol
func (b *BinanceFutures) GetPrice(symbol string) (float64, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("get price for %s: empty response", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}
	return price, nil
}

// GetKlines returns up to limit closed candles for symbol at interval
func (b *BinanceFutures) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	raw, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closeP, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closeP,
			Volume:   vol,
		})
	}
	return klines, nil
}

// PlaceLimitOrder submits a GTC limit order and returns the exchange order ID
func (b *BinanceFutures) PlaceLimitOrder(symbol, side string, quantity, price float64) (string, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	order, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(formatQuantity(quantity)).
		Price(formatPrice(price)).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("place %s limit %s: %w", side, symbol, err)
	}
	return strconv.FormatInt(order.OrderID, 10), nil
}

// CancelOrder cancels a single order by ID
func (b *BinanceFutures) CancelOrder(symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	ctx, cancel := b.ctx()
	defer cancel()

	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

// CancelAllOrders cancels every open order on symbol
func (b *BinanceFutures) CancelAllOrders(symbol string) error {
	ctx, cancel := b.ctx()
	defer cancel()

	if err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("cancel all orders on %s: %w", symbol, err)
	}
	return nil
}

// GetOpenOrderIDs returns the IDs of all live orders on symbol
func (b *BinanceFutures) GetOpenOrderIDs(symbol string) ([]string, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders on %s: %w", symbol, err)
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}

// GetOrderStatus returns the terminal or live status of an order
func (b *BinanceFutures) GetOrderStatus(symbol, orderID string) (string, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	ctx, cancel := b.ctx()
	defer cancel()

	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("get order %s on %s: %w", orderID, symbol, err)
	}
	return string(order.Status), nil
}

// GetPositions returns all non-flat positions
func (b *BinanceFutures) GetPositions() ([]Position, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	positions := make([]Position, 0, len(risks))
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		positions = append(positions, Position{
			Symbol:        r.Symbol,
			Quantity:      amt,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: pnl,
		})
	}
	return positions, nil
}

// GetAccount returns the account equity snapshot. LastEquity is the first
// equity observed after each UTC day rollover, so DailyPnL resets at midnight.
func (b *BinanceFutures) GetAccount() (*Account, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	wallet, _ := strconv.ParseFloat(acct.TotalWalletBalance, 64)
	unrealized, _ := strconv.ParseFloat(acct.TotalUnrealizedProfit, 64)
	available, _ := strconv.ParseFloat(acct.AvailableBalance, 64)
	equity := wallet + unrealized

	b.mu.Lock()
	today := time.Now().UTC().Format("2006-01-02")
	if b.anchorDay != today {
		b.anchorDay = today
		b.anchorEq = equity
	}
	lastEquity := b.anchorEq
	b.mu.Unlock()

	return &Account{
		Equity:         equity,
		Cash:           available,
		PortfolioValue: equity,
		LastEquity:     lastEquity,
	}, nil
}

// ClosePosition flattens the position on symbol with a reduce-only market order
func (b *BinanceFutures) ClosePosition(symbol string) error {
	positions, err := b.GetPositions()
	if err != nil {
		return err
	}

	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		side := futures.SideTypeSell
		qty := pos.Quantity
		if qty < 0 {
			side = futures.SideTypeBuy
			qty = -qty
		}

		ctx, cancel := b.ctx()
		_, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(formatQuantity(qty)).
			ReduceOnly(true).
			Do(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("close position %s: %w", symbol, err)
		}
		logger.Infof("closed position %s qty=%.8f", symbol, pos.Quantity)
		return nil
	}
	// Already flat
	return nil
}

// CloseAllPositions flattens every open position, continuing past failures
func (b *BinanceFutures) CloseAllPositions() error {
	positions, err := b.GetPositions()
	if err != nil {
		return err
	}

	var firstErr error
	for _, pos := range positions {
		if err := b.ClosePosition(pos.Symbol); err != nil {
			logger.Errorf("close all: %s failed: %v", pos.Symbol, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', 8, 64)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 8, 64)
}
