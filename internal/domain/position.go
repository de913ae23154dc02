package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = "NONE"
)

// EntryOrderSide is the order side that opens a position of this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseOrderSide is the order side that flattens a position of this side.
func (s Side) CloseOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// SideFromOrder maps an entry order side to the position it opens.
func SideFromOrder(o OrderSide) Side {
	switch o {
	case OrderSideBuy:
		return SideLong
	case OrderSideSell:
		return SideShort
	}
	return SideNone
}

// Position is the single live position tracked by the engine.
type Position struct {
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	EntryOrderID int64           `json:"entry_order_id"`
	OpenedAt     time.Time       `json:"opened_at"`
	TakeProfitID int64           `json:"take_profit_order_id,omitempty"`
	StopLossID   int64           `json:"stop_loss_order_id,omitempty"`
}

// RiskState is the consecutive-loss breaker state.
type RiskState struct {
	ConsecutiveLosses int       `json:"consecutive_losses"`
	Disabled          bool      `json:"disabled"`
	DisabledUntil     time.Time `json:"disabled_until"`
	LastLossAt        time.Time `json:"last_loss_at"`
}
