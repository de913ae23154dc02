package usecase

import (
	"time"

	"github.com/vitos/futures_risk_engine/internal/domain"
)

// ReplayState is the engine state implied by a ledger.
type ReplayState struct {
	Position *domain.Position
	Risk     domain.RiskState
	// protective orders of the open position still resting on the exchange
	Protective map[int64]domain.TradeAction
}

// ReplayLedger rebuilds position and breaker state from records ordered
// oldest to newest. The result depends only on its arguments.
func ReplayLedger(records []*domain.TradeRecord, threshold int, disableFor time.Duration, now time.Time) ReplayState {
	state := ReplayState{Protective: make(map[int64]domain.TradeAction)}

	// Position: the newest filled record that opens or flattens decides.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Status != domain.OrderStatusFilled || !rec.Action.ChangesPosition() {
			continue
		}
		if rec.Action == domain.ActionOpen && !rec.PnL.Valid {
			state.Position = positionFromOpen(rec)
			collectProtective(state.Position, records[i+1:], state.Protective)
		}
		break
	}

	// Breaker: leading losses among the newest settled records.
	var newestLoss time.Time
	scanned := 0
	for i := len(records) - 1; i >= 0 && scanned < threshold; i-- {
		rec := records[i]
		if rec.Status != domain.OrderStatusFilled || !rec.PnL.Valid {
			continue
		}
		scanned++
		if !rec.PnL.Decimal.IsNegative() {
			break
		}
		if state.Risk.ConsecutiveLosses == 0 {
			newestLoss = rec.Timestamp
		}
		state.Risk.ConsecutiveLosses++
	}
	state.Risk.LastLossAt = newestLoss
	if threshold > 0 && state.Risk.ConsecutiveLosses >= threshold {
		until := newestLoss.Add(disableFor)
		if now.Before(until) {
			state.Risk.Disabled = true
			state.Risk.DisabledUntil = until
		}
	}
	return state
}

func positionFromOpen(rec *domain.TradeRecord) *domain.Position {
	qty := rec.ExecQty
	if !qty.IsPositive() {
		qty = rec.OrderQty
	}
	price := rec.ExecPrice
	if !price.IsPositive() {
		price = rec.OrderPrice
	}
	return &domain.Position{
		Symbol:       rec.Symbol,
		Side:         domain.SideFromOrder(rec.Side),
		Quantity:     qty,
		EntryPrice:   price,
		EntryOrderID: rec.OrderID,
		OpenedAt:     rec.Timestamp,
	}
}

// collectProtective finds the TP/SL orders placed after the entry that have
// not reached a terminal status.
func collectProtective(pos *domain.Position, after []*domain.TradeRecord, out map[int64]domain.TradeAction) {
	for _, rec := range after {
		if rec.Action != domain.ActionTakeProfit && rec.Action != domain.ActionStopLoss {
			continue
		}
		if rec.Status == domain.OrderStatusNew {
			out[rec.OrderID] = rec.Action
			continue
		}
		delete(out, rec.OrderID)
	}
	for id, action := range out {
		if action == domain.ActionTakeProfit {
			pos.TakeProfitID = id
		} else {
			pos.StopLossID = id
		}
	}
}
