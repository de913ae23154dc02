package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"github.com/vitos/futures_risk_engine/internal/metrics"
	"go.uber.org/zap"
)

const (
	// budget for the close placed by the max-hold timer
	timeoutCloseBudget = 30 * time.Second
	// delay before a failed timeout close is tried again
	timeoutRetryDelay = 30 * time.Second

	ReasonManual  = "manual"
	ReasonTimeout = "timeout"
)

var hundred = decimal.NewFromInt(100)

type RiskConfig struct {
	Leverage       int
	StopProfitPct  decimal.Decimal
	StopLossPct    decimal.Decimal
	MaxHoldTime    time.Duration
	LossThreshold  int
	DisableFor     time.Duration
	InitialBalance decimal.Decimal
}

// PriceSource is the read side of the price cache.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Cached(symbol string) (decimal.Decimal, bool)
}

type OpenResult struct {
	Position   domain.Position `json:"position"`
	Reference  decimal.Decimal `json:"reference_price"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	Warnings   []string        `json:"warnings,omitempty"`
}

type CloseResult struct {
	Side      domain.Side     `json:"side"`
	OrderID   int64           `json:"order_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	ExitPrice decimal.Decimal `json:"exit_price"`
	Reason    string          `json:"reason"`
}

type RiskStatus struct {
	Symbol            string           `json:"symbol"`
	Position          domain.Side      `json:"position"`
	Detail            *domain.Position `json:"detail,omitempty"`
	Balance           decimal.Decimal  `json:"balance"`
	Disabled          bool             `json:"disabled"`
	DisabledUntil     *time.Time       `json:"disabled_until,omitempty"`
	ConsecutiveLosses int              `json:"consecutive_losses"`
	LedgerError       string           `json:"ledger_error,omitempty"`
}

// RiskEngine owns the single position, its max-hold timer and the loss
// breaker. Every state change happens under mu.
type RiskEngine struct {
	cfg      RiskConfig
	executor *OrderExecutor
	prices   PriceSource
	ledger   domain.TradeLedger
	notifier domain.Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	instrument *domain.Instrument
	balance    decimal.Decimal
	position   *domain.Position
	risk       domain.RiskState
	timer      *time.Timer
	generation uint64
	// closing orders whose FILLED report is still expected
	tracked map[int64]domain.TradeAction
	// first failed ledger write; once set no new position is opened
	ledgerErr error
	halted    chan struct{}
}

func NewRiskEngine(
	cfg RiskConfig,
	executor *OrderExecutor,
	prices PriceSource,
	ledger domain.TradeLedger,
	notifier domain.Notifier,
	logger *zap.Logger,
) *RiskEngine {
	return &RiskEngine{
		cfg:      cfg,
		executor: executor,
		prices:   prices,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "risk_engine")),
		now:      time.Now,
		balance:  cfg.InitialBalance,
		tracked:  make(map[int64]domain.TradeAction),
		halted:   make(chan struct{}),
	}
}

// Halted is closed after the first failed ledger write. From then on the
// ledger no longer explains the engine state and the process should stop.
func (e *RiskEngine) Halted() <-chan struct{} {
	return e.halted
}

// LedgerError returns the ledger write failure that halted the engine, if any.
func (e *RiskEngine) LedgerError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledgerErr
}

// SetInstrument installs the metadata used for sizing. It is refused while a
// position is open.
func (e *RiskEngine) SetInstrument(inst *domain.Instrument) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position != nil && e.position.Symbol != inst.Symbol {
		return fmt.Errorf("switch to %s with %s %s open: %w", inst.Symbol, e.position.Side, e.position.Symbol, domain.ErrAlreadyPositioned)
	}
	e.instrument = inst
	return nil
}

func (e *RiskEngine) Instrument() *domain.Instrument {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instrument
}

// Position returns a copy of the open position, or nil when flat.
func (e *RiskEngine) Position() *domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return nil
	}
	p := *e.position
	return &p
}

// Status reports position and breaker state, clearing an elapsed disable
// window first.
func (e *RiskEngine) Status() RiskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *RiskEngine) statusLocked() RiskStatus {
	e.checkDisabledLocked(e.now())
	st := RiskStatus{
		Position:          domain.SideNone,
		Balance:           e.balance,
		Disabled:          e.risk.Disabled,
		ConsecutiveLosses: e.risk.ConsecutiveLosses,
	}
	if e.ledgerErr != nil {
		st.LedgerError = e.ledgerErr.Error()
	}
	if e.instrument != nil {
		st.Symbol = e.instrument.Symbol
	}
	if e.position != nil {
		p := *e.position
		st.Position = p.Side
		st.Detail = &p
	}
	if e.risk.Disabled {
		until := e.risk.DisabledUntil
		st.DisabledUntil = &until
	}
	return st
}

// Open places a market entry sized from balance, leverage and fraction, then
// protects it with take-profit and stop-loss orders and arms the max-hold
// timer. Protective order failures are reported as warnings.
func (e *RiskEngine) Open(ctx context.Context, side domain.Side, fraction decimal.Decimal) (*OpenResult, error) {
	if !side.Valid() {
		return nil, domain.NewValidationError("open", fmt.Sprintf("invalid side %q", side))
	}
	if !fraction.IsPositive() || fraction.GreaterThan(one) {
		return nil, domain.NewValidationError("open", fmt.Sprintf("size fraction %s outside (0, 1]", fraction))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ledgerErr != nil {
		return nil, fmt.Errorf("open %s: ledger unavailable: %w", side, e.ledgerErr)
	}
	if e.position != nil {
		return nil, fmt.Errorf("open %s: %w (%s %s)", side, domain.ErrAlreadyPositioned, e.position.Side, e.position.Symbol)
	}
	if e.checkDisabledLocked(e.now()) {
		return nil, fmt.Errorf("open %s: %w until %s", side, domain.ErrTradingDisabled, e.risk.DisabledUntil.Format(time.RFC3339))
	}
	if e.instrument == nil {
		return nil, domain.NewValidationError("open", "instrument metadata not loaded")
	}
	inst := e.instrument

	price, err := e.prices.GetCurrentPrice(ctx, inst.Symbol)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", side, err)
	}
	if !price.IsPositive() {
		return nil, domain.NewValidationError("open", fmt.Sprintf("reference price %s for %s is not positive", price, inst.Symbol))
	}
	qty := Quantize(e.balance.Mul(decimal.NewFromInt(int64(e.cfg.Leverage))).Mul(fraction).Div(price), inst.StepSize)
	if !qty.IsPositive() || qty.LessThan(inst.MinQty) {
		return nil, fmt.Errorf("open %s: qty %s below %s: %w", side, qty, inst.MinQty, domain.ErrQuantityTooSmall)
	}

	order, err := e.executor.MarketOrder(ctx, inst, side.EntryOrderSide(), qty)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", side, err)
	}

	fillPrice := price
	if order.AvgPrice.IsPositive() {
		fillPrice = order.AvgPrice
	}
	filledQty := qty
	if order.ExecutedQty.IsPositive() {
		filledQty = order.ExecutedQty
	}

	// From here on the exchange holds a position; track it whatever happens.
	now := e.now()
	pos := &domain.Position{
		Symbol:       inst.Symbol,
		Side:         side,
		Quantity:     filledQty,
		EntryPrice:   fillPrice,
		EntryOrderID: order.OrderID,
		OpenedAt:     now,
	}
	e.position = pos
	e.generation++
	metrics.PositionOpen.Set(1)

	persistErr := e.append(ctx, &domain.TradeRecord{
		Timestamp:     now,
		Symbol:        inst.Symbol,
		Side:          side.EntryOrderSide(),
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Action:        domain.ActionOpen,
		OrderPrice:    price,
		OrderQty:      qty,
		ExecPrice:     fillPrice,
		ExecQty:       filledQty,
		Status:        domain.OrderStatusFilled,
		StopProfitPct: e.cfg.StopProfitPct,
		StopLossPct:   e.cfg.StopLossPct,
	})

	res := &OpenResult{Reference: price}
	tp, sl := protectivePrices(side, fillPrice, e.cfg.StopProfitPct, e.cfg.StopLossPct)
	res.TakeProfit, res.StopLoss = Quantize(tp, inst.TickSize), Quantize(sl, inst.TickSize)

	protective := []struct {
		action domain.TradeAction
		typ    domain.OrderType
		price  decimal.Decimal
		id     *int64
	}{
		{domain.ActionTakeProfit, domain.OrderTypeTakeProfitMarket, res.TakeProfit, &pos.TakeProfitID},
		{domain.ActionStopLoss, domain.OrderTypeStopMarket, res.StopLoss, &pos.StopLossID},
	}
	for _, p := range protective {
		po, err := e.executor.StopOrder(ctx, inst, side.CloseOrderSide(), p.typ, p.price)
		if err != nil {
			e.logger.Warn("Protective order not placed", zap.String("action", string(p.action)), zap.Error(err))
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s order failed: %v", p.action, err))
			continue
		}
		*p.id = po.OrderID
		e.tracked[po.OrderID] = p.action
		if err := e.append(ctx, &domain.TradeRecord{
			Timestamp:     e.now(),
			Symbol:        inst.Symbol,
			Side:          side.CloseOrderSide(),
			OrderID:       po.OrderID,
			ClientOrderID: po.ClientOrderID,
			Action:        p.action,
			OrderPrice:    po.StopPrice,
			Status:        domain.OrderStatusNew,
			StopProfitPct: e.cfg.StopProfitPct,
			StopLossPct:   e.cfg.StopLossPct,
		}); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s order not recorded: %v", p.action, err))
			if persistErr == nil {
				persistErr = err
			}
		}
	}

	e.armTimerLocked(e.cfg.MaxHoldTime)
	res.Position = *pos

	e.logger.Info("Position opened",
		zap.String("symbol", inst.Symbol),
		zap.String("side", string(side)),
		zap.String("qty", filledQty.String()),
		zap.String("entry", fillPrice.String()),
		zap.String("take_profit", res.TakeProfit.String()),
		zap.String("stop_loss", res.StopLoss.String()),
		zap.Int("warnings", len(res.Warnings)),
	)
	e.notifier.Sendf("Opened %s %s %s @ %s (TP %s / SL %s)", side, filledQty, inst.Symbol, fillPrice, res.TakeProfit, res.StopLoss)

	if persistErr != nil {
		return res, persistErr
	}
	return res, nil
}

// protectivePrices returns the take-profit and stop-loss triggers around the
// fill price. Percentages are whole percent values.
func protectivePrices(side domain.Side, fill, profitPct, lossPct decimal.Decimal) (tp, sl decimal.Decimal) {
	up := one.Add(profitPct.Div(hundred))
	down := one.Sub(lossPct.Div(hundred))
	if side == domain.SideShort {
		up = one.Sub(profitPct.Div(hundred))
		down = one.Add(lossPct.Div(hundred))
	}
	return fill.Mul(up), fill.Mul(down)
}

// Close flattens the open position. side must match the position side.
// A failed close order leaves the position and its timer untouched.
func (e *RiskEngine) Close(ctx context.Context, side domain.Side, reason string) (*CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.position == nil {
		return nil, fmt.Errorf("close: %w", domain.ErrNoPosition)
	}
	if side != e.position.Side {
		return nil, domain.NewValidationError("close", fmt.Sprintf("position is %s, not %s", e.position.Side, side))
	}
	return e.closeLocked(ctx, reason)
}

func (e *RiskEngine) closeLocked(ctx context.Context, reason string) (*CloseResult, error) {
	pos := e.position
	inst := e.instrumentFor(pos.Symbol)

	order, err := e.executor.MarketClose(ctx, inst, pos.Side.CloseOrderSide(), pos.Quantity)
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", pos.Side, err)
	}

	e.stopTimerLocked()
	e.generation++
	e.position = nil
	metrics.PositionOpen.Set(0)

	exit := order.AvgPrice
	if !exit.IsPositive() {
		if cached, ok := e.prices.Cached(pos.Symbol); ok {
			exit = cached
		}
	}
	e.tracked[order.OrderID] = domain.ActionSettle

	res := &CloseResult{
		Side:      pos.Side,
		OrderID:   order.OrderID,
		Quantity:  pos.Quantity,
		ExitPrice: exit,
		Reason:    reason,
	}

	persistErr := e.append(ctx, &domain.TradeRecord{
		Timestamp:     e.now(),
		Symbol:        pos.Symbol,
		Side:          pos.Side.CloseOrderSide(),
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Action:        domain.ActionClose,
		OrderQty:      pos.Quantity,
		ExecPrice:     exit,
		ExecQty:       pos.Quantity,
		Status:        domain.OrderStatusFilled,
		Reason:        reason,
	})

	e.cancelProtectiveLocked(ctx, pos, 0)

	e.logger.Info("Position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.String("exit", exit.String()),
		zap.String("reason", reason),
	)
	e.notifier.Sendf("Closed %s %s @ %s (%s)", pos.Side, pos.Symbol, exit, reason)
	return res, persistErr
}

// cancelProtectiveLocked cancels the resting TP/SL orders of pos except keep.
func (e *RiskEngine) cancelProtectiveLocked(ctx context.Context, pos *domain.Position, keep int64) {
	for _, id := range []int64{pos.TakeProfitID, pos.StopLossID} {
		if id == 0 || id == keep {
			continue
		}
		delete(e.tracked, id)
		if err := e.executor.CancelOrder(ctx, pos.Symbol, id); err != nil {
			e.logger.Warn("Protective order not canceled", zap.Int64("order_id", id), zap.Error(err))
		}
	}
}

func (e *RiskEngine) armTimerLocked(d time.Duration) {
	e.stopTimerLocked()
	if e.cfg.MaxHoldTime <= 0 {
		return
	}
	if d < 0 {
		d = 0
	}
	gen := e.generation
	e.timer = time.AfterFunc(d, func() { e.onMaxHold(gen) })
}

func (e *RiskEngine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *RiskEngine) onMaxHold(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// a newer position or an earlier close owns the state now
	if e.position == nil || gen != e.generation {
		return
	}
	e.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), timeoutCloseBudget)
	defer cancel()

	e.logger.Info("Max hold time reached", zap.String("side", string(e.position.Side)), zap.Duration("max_hold", e.cfg.MaxHoldTime))
	if _, err := e.closeLocked(ctx, ReasonTimeout); err != nil {
		if e.position != nil {
			e.logger.Error("Timeout close failed, retrying", zap.Duration("retry_in", timeoutRetryDelay), zap.Error(err))
			e.notifier.Sendf("Timeout close failed for %s: %v", e.position.Symbol, err)
			e.armTimerLocked(timeoutRetryDelay)
			return
		}
		e.logger.Error("Timeout close not recorded", zap.Error(err))
	}
}

// HandleEvent implements domain.EventSink.
func (e *RiskEngine) HandleEvent(ctx context.Context, ev domain.Event) {
	switch v := ev.(type) {
	case *domain.ExecutionReport:
		e.onExecution(ctx, v)
	case *domain.AccountUpdate:
		e.onAccount(v)
	}
}

func (e *RiskEngine) onAccount(ev *domain.AccountUpdate) {
	for _, b := range ev.Balances {
		if b.Asset != "USDT" || !b.WalletBalance.IsPositive() {
			continue
		}
		e.mu.Lock()
		e.balance = b.WalletBalance
		e.mu.Unlock()
		e.logger.Debug("Balance updated", zap.String("wallet", b.WalletBalance.String()))
	}
}

func (e *RiskEngine) onExecution(ctx context.Context, rep *domain.ExecutionReport) {
	if rep.Status != domain.OrderStatusFilled {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	action, ok := e.tracked[rep.OrderID]
	if !ok {
		return
	}
	delete(e.tracked, rep.OrderID)
	e.settleLocked(ctx, rep, action)
}

// settleLocked books the realized P&L of a filled closing order and feeds
// the breaker.
func (e *RiskEngine) settleLocked(ctx context.Context, rep *domain.ExecutionReport, action domain.TradeAction) {
	pnl, fee := rep.RealizedPnL, rep.Commission
	execPrice, execQty := rep.AvgPrice, rep.CumQty
	fill, err := e.executor.OrderFill(ctx, rep.Symbol, rep.OrderID)
	if err != nil {
		e.logger.Warn("Order fill lookup failed, using stream values", zap.Int64("order_id", rep.OrderID), zap.Error(err))
	} else {
		pnl, fee = fill.RealizedPnL, fill.Commission
		if fill.Order.AvgPrice.IsPositive() {
			execPrice = fill.Order.AvgPrice
		}
		if fill.Order.ExecutedQty.IsPositive() {
			execQty = fill.Order.ExecutedQty
		}
	}

	at := e.now()
	if rep.TradeTime > 0 {
		at = time.UnixMilli(rep.TradeTime)
	}

	// A protective fill flattens the position on the exchange side.
	if action != domain.ActionSettle && e.position != nil &&
		(e.position.TakeProfitID == rep.OrderID || e.position.StopLossID == rep.OrderID) {
		pos := e.position
		e.stopTimerLocked()
		e.generation++
		e.position = nil
		metrics.PositionOpen.Set(0)
		e.cancelProtectiveLocked(ctx, pos, rep.OrderID)
		e.logger.Info("Position closed by protective order", zap.String("action", string(action)), zap.Int64("order_id", rep.OrderID))
	}

	if err := e.append(ctx, &domain.TradeRecord{
		Timestamp:     at,
		Symbol:        rep.Symbol,
		Side:          rep.Side,
		OrderID:       rep.OrderID,
		ClientOrderID: rep.ClientOrderID,
		Action:        action,
		OrderPrice:    rep.StopPrice,
		OrderQty:      rep.Quantity,
		ExecPrice:     execPrice,
		ExecQty:       execQty,
		Status:        domain.OrderStatusFilled,
		PnL:           decimal.NewNullDecimal(pnl),
		Fee:           fee,
	}); err != nil {
		e.logger.Error("Settlement not recorded", zap.Int64("order_id", rep.OrderID), zap.Error(err))
	}

	e.applyResultLocked(pnl, at)
	e.notifier.Sendf("%s fill on %s: pnl %s, fee %s, losses in a row %d", action, rep.Symbol, pnl, fee, e.risk.ConsecutiveLosses)
}

func (e *RiskEngine) applyResultLocked(pnl decimal.Decimal, at time.Time) {
	if pnl.IsNegative() {
		e.risk.ConsecutiveLosses++
		e.risk.LastLossAt = at
	} else {
		e.risk.ConsecutiveLosses = 0
		e.risk.Disabled = false
		e.risk.DisabledUntil = time.Time{}
	}
	metrics.ConsecutiveLosses.Set(float64(e.risk.ConsecutiveLosses))

	if e.cfg.LossThreshold > 0 && e.risk.ConsecutiveLosses >= e.cfg.LossThreshold {
		e.risk.Disabled = true
		e.risk.DisabledUntil = at.Add(e.cfg.DisableFor)
		metrics.BreakerTrips.Inc()
		e.logger.Warn("Trading disabled after consecutive losses",
			zap.Int("losses", e.risk.ConsecutiveLosses),
			zap.Time("until", e.risk.DisabledUntil),
		)
		e.notifier.Sendf("Trading disabled after %d losses until %s", e.risk.ConsecutiveLosses, e.risk.DisabledUntil.Format(time.RFC3339))
	}
	metrics.BoolGauge(metrics.TradingDisabled, e.risk.Disabled)
}

// checkDisabledLocked clears an elapsed disable window and reports whether
// trading is still disabled.
func (e *RiskEngine) checkDisabledLocked(now time.Time) bool {
	if e.risk.Disabled && !now.Before(e.risk.DisabledUntil) {
		e.risk.Disabled = false
		metrics.TradingDisabled.Set(0)
		e.logger.Info("Disable window elapsed, trading re-enabled", zap.Time("until", e.risk.DisabledUntil))
	}
	return e.risk.Disabled
}

// Restore replaces position and breaker state with what the ledger implies.
func (e *RiskEngine) Restore(ctx context.Context) (RiskStatus, error) {
	records, err := e.ledger.ReadAll(ctx)
	if err != nil {
		return RiskStatus{}, fmt.Errorf("restore: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	state := ReplayLedger(records, e.cfg.LossThreshold, e.cfg.DisableFor, now)

	e.stopTimerLocked()
	e.generation++
	e.risk = state.Risk
	e.position = state.Position
	// protective ids of a replaced position must not settle later
	for id, action := range e.tracked {
		if action != domain.ActionSettle {
			delete(e.tracked, id)
		}
	}
	for id, action := range state.Protective {
		e.tracked[id] = action
	}
	metrics.ConsecutiveLosses.Set(float64(e.risk.ConsecutiveLosses))
	metrics.BoolGauge(metrics.TradingDisabled, e.risk.Disabled)
	metrics.BoolGauge(metrics.PositionOpen, e.position != nil)

	if e.position != nil {
		remaining := e.cfg.MaxHoldTime - now.Sub(e.position.OpenedAt)
		e.armTimerLocked(remaining)
		e.logger.Info("Restored open position",
			zap.String("symbol", e.position.Symbol),
			zap.String("side", string(e.position.Side)),
			zap.Duration("hold_remaining", max(remaining, 0)),
		)
	}
	e.logger.Info("Risk state restored",
		zap.Int("records", len(records)),
		zap.Int("losses", e.risk.ConsecutiveLosses),
		zap.Bool("disabled", e.risk.Disabled),
	)
	return e.statusLocked(), nil
}

func (e *RiskEngine) instrumentFor(symbol string) *domain.Instrument {
	if e.instrument != nil && e.instrument.Symbol == symbol {
		return e.instrument
	}
	return &domain.Instrument{Symbol: symbol}
}

// append writes to the ledger. A failure is escalated and latched: Open is
// refused and Halted fires.
func (e *RiskEngine) append(ctx context.Context, rec *domain.TradeRecord) error {
	if err := e.ledger.Append(ctx, rec); err != nil {
		e.logger.Error("Ledger append failed",
			zap.String("action", string(rec.Action)),
			zap.Int64("order_id", rec.OrderID),
			zap.Error(err),
		)
		e.notifier.Sendf("Ledger write failed for %s order %d, trading halted: %v", rec.Action, rec.OrderID, err)
		if e.ledgerErr == nil {
			e.ledgerErr = err
			close(e.halted)
		}
		return err
	}
	return nil
}
