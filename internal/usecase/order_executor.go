package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"github.com/vitos/futures_risk_engine/internal/metrics"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

// Quantize rounds v down to a multiple of step. A non-positive step leaves v
// unchanged.
func Quantize(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	q, r := v.QuoRem(step, 0)
	if r.IsNegative() {
		q = q.Sub(one)
	}
	return q.Mul(step)
}

// OrderExecutor issues orders with quantized inputs and a fresh client order id.
type OrderExecutor struct {
	exchange domain.ExchangeClient
	logger   *zap.Logger
	newID    func() string
}

func NewOrderExecutor(exchange domain.ExchangeClient, logger *zap.Logger) *OrderExecutor {
	return &OrderExecutor{
		exchange: exchange,
		logger:   logger.With(zap.String("component", "executor")),
		newID:    uuid.NewString,
	}
}

func (e *OrderExecutor) MarketOrder(ctx context.Context, inst *domain.Instrument, side domain.OrderSide, qty decimal.Decimal) (*domain.OrderResult, error) {
	qty = Quantize(qty, inst.StepSize)
	if qty.LessThan(inst.MinQty) || !qty.IsPositive() {
		return nil, fmt.Errorf("market %s %s qty %s (min %s): %w", side, inst.Symbol, qty, inst.MinQty, domain.ErrQuantityTooSmall)
	}
	return e.place(ctx, domain.OrderRequest{
		Symbol:   inst.Symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
	})
}

// MarketClose flattens the position. qty is the held size, used by venues
// that reject the close-position flag on market orders.
func (e *OrderExecutor) MarketClose(ctx context.Context, inst *domain.Instrument, side domain.OrderSide, qty decimal.Decimal) (*domain.OrderResult, error) {
	return e.place(ctx, domain.OrderRequest{
		Symbol:        inst.Symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Quantity:      Quantize(qty, inst.StepSize),
		ClosePosition: true,
	})
}

// StopOrder places a protective trigger order that closes the whole position.
func (e *OrderExecutor) StopOrder(ctx context.Context, inst *domain.Instrument, side domain.OrderSide, typ domain.OrderType, stopPrice decimal.Decimal) (*domain.OrderResult, error) {
	stopPrice = Quantize(stopPrice, inst.TickSize)
	if !stopPrice.IsPositive() {
		return nil, domain.NewValidationError("stop order", fmt.Sprintf("trigger price %s is not positive", stopPrice))
	}
	return e.place(ctx, domain.OrderRequest{
		Symbol:        inst.Symbol,
		Side:          side,
		Type:          typ,
		StopPrice:     stopPrice,
		ClosePosition: true,
	})
}

func (e *OrderExecutor) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := e.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// OrderFill returns the order with realized P&L and commission summed over
// its account trades.
func (e *OrderExecutor) OrderFill(ctx context.Context, symbol string, orderID int64) (*domain.OrderFill, error) {
	order, err := e.exchange.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	trades, err := e.exchange.GetAccountTrades(ctx, symbol, orderID)
	if err != nil {
		return nil, fmt.Errorf("get trades for order %d: %w", orderID, err)
	}

	fill := &domain.OrderFill{Order: order}
	for _, t := range trades {
		fill.RealizedPnL = fill.RealizedPnL.Add(t.RealizedPnL)
		fill.Commission = fill.Commission.Add(t.Commission)
	}
	return fill, nil
}

func (e *OrderExecutor) place(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	req.ClientOrderID = e.newID()
	res, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues(string(req.Type), string(domain.KindOf(err))).Inc()
		e.logger.Error("Order failed",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("type", string(req.Type)),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Error(err),
		)
		return nil, err
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = req.ClientOrderID
	}
	metrics.OrdersPlaced.WithLabelValues(string(req.Type)).Inc()
	e.logger.Info("Order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Int64("order_id", res.OrderID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}
