package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"go.uber.org/zap"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OperationResult is what every caller-facing operation returns. Failures
// never escape as panics or bare errors.
type OperationResult struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Kind    domain.ErrorKind `json:"kind,omitempty"`
	Data    any              `json:"data,omitempty"`
}

func (r OperationResult) OK() bool { return r.Status == StatusSuccess }

func success(msg string, data any) OperationResult {
	return OperationResult{Status: StatusSuccess, Message: msg, Data: data}
}

func failure(err error) OperationResult {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindTransport
	}
	return OperationResult{Status: StatusError, Message: err.Error(), Kind: kind}
}

// SymbolSwitcher moves the market stream to another instrument.
type SymbolSwitcher interface {
	SwitchSymbol(ctx context.Context, symbol string) error
}

// TradingService is the entry point for the HTTP layer and tools.
type TradingService struct {
	engine   *RiskEngine
	prices   *PriceService
	ledger   domain.TradeLedger
	exchange domain.ExchangeClient
	stream   SymbolSwitcher
	leverage int
	logger   *zap.Logger
}

func NewTradingService(
	engine *RiskEngine,
	prices *PriceService,
	ledger domain.TradeLedger,
	exchange domain.ExchangeClient,
	stream SymbolSwitcher,
	leverage int,
	logger *zap.Logger,
) *TradingService {
	return &TradingService{
		engine:   engine,
		prices:   prices,
		ledger:   ledger,
		exchange: exchange,
		stream:   stream,
		leverage: leverage,
		logger:   logger.With(zap.String("component", "trading")),
	}
}

// OpenPosition opens side with percent of the balance (0 < percent <= 100).
func (s *TradingService) OpenPosition(ctx context.Context, side domain.Side, percent decimal.Decimal) OperationResult {
	if !percent.IsPositive() || percent.GreaterThan(hundred) {
		return failure(domain.NewValidationError("open", fmt.Sprintf("position percent %s outside (0, 100]", percent)))
	}
	res, err := s.engine.Open(ctx, side, percent.Div(hundred))
	if err != nil {
		s.logger.Warn("Open rejected", zap.String("side", string(side)), zap.Error(err))
		out := failure(err)
		// the entry went through even if the ledger did not
		if res != nil {
			out.Data = res
		}
		return out
	}
	msg := fmt.Sprintf("%s position opened", side)
	if len(res.Warnings) > 0 {
		msg += " with warnings: " + strings.Join(res.Warnings, "; ")
	}
	return success(msg, res)
}

// ClosePosition closes whatever side is open.
func (s *TradingService) ClosePosition(ctx context.Context) OperationResult {
	pos := s.engine.Position()
	if pos == nil {
		return failure(fmt.Errorf("close: %w", domain.ErrNoPosition))
	}
	res, err := s.engine.Close(ctx, pos.Side, ReasonManual)
	if err != nil {
		s.logger.Warn("Close rejected", zap.String("side", string(pos.Side)), zap.Error(err))
		out := failure(err)
		if res != nil {
			out.Data = res
		}
		return out
	}
	return success(fmt.Sprintf("%s position closed", res.Side), res)
}

func (s *TradingService) GetCurrentPrice(ctx context.Context, symbol string) OperationResult {
	if symbol == "" {
		if inst := s.engine.Instrument(); inst != nil {
			symbol = inst.Symbol
		}
	}
	if symbol == "" {
		return failure(domain.NewValidationError("price", "symbol is required"))
	}
	symbol = strings.ToUpper(symbol)
	price, err := s.prices.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return failure(err)
	}
	return success("ok", map[string]any{"symbol": symbol, "price": price})
}

func (s *TradingService) GetRecentTrades(ctx context.Context, n int) OperationResult {
	if n <= 0 {
		n = 10
	}
	records, err := s.ledger.ReadRecent(ctx, n)
	if err != nil {
		return failure(err)
	}
	if records == nil {
		records = []*domain.TradeRecord{}
	}
	return success(fmt.Sprintf("%d records", len(records)), records)
}

// RestoreStatus replays the ledger into the engine and reports the result.
func (s *TradingService) RestoreStatus(ctx context.Context) OperationResult {
	st, err := s.engine.Restore(ctx)
	if err != nil {
		return failure(err)
	}
	return success("restored", st)
}

func (s *TradingService) Status() OperationResult {
	return success("ok", s.engine.Status())
}

// LedgerError reports the ledger write failure that halted trading, if any.
func (s *TradingService) LedgerError() error {
	return s.engine.LedgerError()
}

// SwitchSymbol points sizing, leverage and the market stream at symbol.
// It is refused while a position is open.
func (s *TradingService) SwitchSymbol(ctx context.Context, symbol string) OperationResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return failure(domain.NewValidationError("switch symbol", "symbol is required"))
	}
	if pos := s.engine.Position(); pos != nil && pos.Symbol != symbol {
		return failure(fmt.Errorf("switch symbol: %w", domain.ErrAlreadyPositioned))
	}

	inst, err := s.exchange.GetInstrument(ctx, symbol)
	if err != nil {
		return failure(err)
	}
	if err := s.exchange.ChangeLeverage(ctx, symbol, s.leverage); err != nil {
		return failure(err)
	}
	if err := s.engine.SetInstrument(inst); err != nil {
		return failure(err)
	}
	if err := s.stream.SwitchSymbol(ctx, symbol); err != nil {
		s.logger.Error("Stream switch failed", zap.String("symbol", symbol), zap.Error(err))
		return failure(err)
	}
	s.logger.Info("Symbol switched", zap.String("symbol", symbol))
	return success("symbol switched to "+symbol, inst)
}
