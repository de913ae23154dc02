package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vitos/futures_risk_engine/internal/domain"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", domain.NewExchangeRejected("place order", -2019, "Margin is insufficient."), "place order: code -2019: Margin is insufficient."},
		{"transport", domain.NewTransportError("ticker price", errors.New("dial tcp: timeout")), "ticker price: dial tcp: timeout"},
		{"validation", domain.NewValidationError("open", "fraction must be in (0, 1]"), "open: fraction must be in (0, 1]"},
		{"sentinel", domain.ErrNoPosition, "no open position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, domain.KindPersistence, domain.KindOf(domain.NewPersistenceError("append", errors.New("disk full"))))
	assert.Equal(t, domain.KindParse, domain.KindOf(fmt.Errorf("decode: %w", domain.NewParseError("kline", errors.New("bad")))))
	assert.Equal(t, domain.KindStateConflict, domain.KindOf(fmt.Errorf("open: %w", domain.ErrTradingDisabled)))
	assert.Equal(t, domain.ErrorKind(""), domain.KindOf(errors.New("plain")))
	assert.Equal(t, domain.ErrorKind(""), domain.KindOf(nil))
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("%w: %v", domain.ErrSessionFailed, errors.New("connection refused"))
	assert.ErrorIs(t, err, domain.ErrSessionFailed)
	assert.Equal(t, domain.KindSessionFailed, domain.KindOf(err))
	assert.NotErrorIs(t, err, domain.ErrNoPosition)
}

func TestSide_OrderSides(t *testing.T) {
	assert.Equal(t, domain.OrderSideBuy, domain.SideLong.EntryOrderSide())
	assert.Equal(t, domain.OrderSideSell, domain.SideLong.CloseOrderSide())
	assert.Equal(t, domain.OrderSideSell, domain.SideShort.EntryOrderSide())
	assert.Equal(t, domain.OrderSideBuy, domain.SideShort.CloseOrderSide())

	assert.True(t, domain.SideLong.Valid())
	assert.False(t, domain.SideNone.Valid())
	assert.False(t, domain.Side("long").Valid())

	assert.Equal(t, domain.SideShort, domain.SideFromOrder(domain.OrderSideSell))
	assert.Equal(t, domain.SideNone, domain.SideFromOrder("HOLD"))
}

func TestTradeAction_ChangesPosition(t *testing.T) {
	for _, a := range []domain.TradeAction{domain.ActionOpen, domain.ActionClose, domain.ActionTakeProfit, domain.ActionStopLoss} {
		assert.True(t, a.ChangesPosition(), a)
	}
	assert.False(t, domain.ActionSettle.ChangesPosition())
}
