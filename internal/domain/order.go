package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Valid reports whether the status may be written to the trade ledger.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest is an order intent with already quantized inputs.
// ClosePosition asks the exchange to flatten the whole position; Quantity is
// then only a hint for order types that cannot carry the flag.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal
	ClosePosition bool
	ClientOrderID string
}

type OrderResult struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	OrigQty       decimal.Decimal `json:"orig_qty"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AccountTrade is one exchange fill belonging to an order.
type AccountTrade struct {
	ID          int64
	OrderID     int64
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
	Time        time.Time
}

// OrderFill is an order together with the realized P&L and fees of its fills.
type OrderFill struct {
	Order       *OrderResult
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
}

type TradeAction string

const (
	ActionOpen       TradeAction = "OPEN"
	ActionClose      TradeAction = "CLOSE"
	ActionTakeProfit TradeAction = "TAKE_PROFIT"
	ActionStopLoss   TradeAction = "STOP_LOSS"
	ActionSettle     TradeAction = "SETTLE"
)

// ChangesPosition reports whether a FILLED record of this action opens or
// flattens the position.
func (a TradeAction) ChangesPosition() bool {
	switch a {
	case ActionOpen, ActionClose, ActionTakeProfit, ActionStopLoss:
		return true
	}
	return false
}

// TradeRecord is one immutable ledger entry.
type TradeRecord struct {
	ID            int64               `json:"id"`
	Timestamp     time.Time           `json:"timestamp"`
	Symbol        string              `json:"symbol"`
	Side          OrderSide           `json:"side"`
	OrderID       int64               `json:"order_id"`
	ClientOrderID string              `json:"client_order_id"`
	Action        TradeAction         `json:"action"`
	OrderPrice    decimal.Decimal     `json:"order_price"`
	OrderQty      decimal.Decimal     `json:"order_qty"`
	ExecPrice     decimal.Decimal     `json:"exec_price"`
	ExecQty       decimal.Decimal     `json:"exec_qty"`
	Status        OrderStatus         `json:"status"`
	PnL           decimal.NullDecimal `json:"pnl"`
	Fee           decimal.Decimal     `json:"fee"`
	StopProfitPct decimal.Decimal     `json:"stop_profit"`
	StopLossPct   decimal.Decimal     `json:"stop_loss"`
	Reason        string              `json:"reason,omitempty"`
}
