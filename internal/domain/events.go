package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventKline           EventType = "kline"
	EventAccountUpdate   EventType = "account_update"
	EventExecutionReport EventType = "execution_report"
)

// Event is a parsed message from the exchange stream.
type Event interface {
	Type() EventType
}

// EventSink receives stream events one at a time, in arrival order.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event)
}

// PriceRecorder stores the last traded price seen for a symbol.
type PriceRecorder interface {
	Record(symbol string, price decimal.Decimal, eventMs int64)
}

type KlineEvent struct {
	Symbol    string
	Interval  string
	EventTime int64
	StartTime int64
	CloseTime int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool
}

func (*KlineEvent) Type() EventType { return EventKline }

type BalanceUpdate struct {
	Asset         string
	WalletBalance decimal.Decimal
	CrossBalance  decimal.Decimal
}

type PositionUpdate struct {
	Symbol        string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	PositionSide  string
}

type AccountUpdate struct {
	EventTime int64
	Reason    string
	Balances  []BalanceUpdate
	Positions []PositionUpdate
}

func (*AccountUpdate) Type() EventType { return EventAccountUpdate }

type ExecutionReport struct {
	EventTime     int64
	TradeTime     int64
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          OrderSide
	OrderType     string
	ExecutionType string
	Status        OrderStatus
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal
	AvgPrice      decimal.Decimal
	LastPrice     decimal.Decimal
	LastQty       decimal.Decimal
	CumQty        decimal.Decimal
	RealizedPnL   decimal.Decimal
	Commission    decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
}

func (*ExecutionReport) Type() EventType { return EventExecutionReport }
