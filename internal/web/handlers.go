package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/exchange"
	"github.com/vitos/futures_risk_engine/internal/usecase"
	"go.uber.org/zap"
)

type quickOrderRequest struct {
	Side    string          `json:"side"`
	Percent decimal.Decimal `json:"percent"`
}

func (s *Server) handleQuickOrder(w http.ResponseWriter, r *http.Request) {
	var req quickOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResult(w, usecase.OperationResult{Status: usecase.StatusError, Message: "invalid request body: " + err.Error(), Kind: domain.KindValidation})
		return
	}

	var res usecase.OperationResult
	switch strings.ToUpper(req.Side) {
	case "BUY", "LONG":
		res = s.service.OpenPosition(r.Context(), domain.SideLong, s.percent(req.Percent))
	case "SELL", "SHORT":
		res = s.service.OpenPosition(r.Context(), domain.SideShort, s.percent(req.Percent))
	case "CLOSE":
		res = s.service.ClosePosition(r.Context())
	default:
		res = usecase.OperationResult{Status: usecase.StatusError, Message: "side must be BUY, SELL or CLOSE", Kind: domain.KindValidation}
	}
	s.logger.Info("Quick order", zap.String("side", req.Side), zap.String("status", res.Status), zap.String("message", res.Message))
	s.writeResult(w, res)
}

// percent falls back to the configured position size.
func (s *Server) percent(p decimal.Decimal) decimal.Decimal {
	if p.IsZero() {
		return s.trading.PositionPercent
	}
	return p
}

func (s *Server) handleSwitchSymbol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResult(w, usecase.OperationResult{Status: usecase.StatusError, Message: "invalid request body: " + err.Error(), Kind: domain.KindValidation})
		return
	}
	s.writeResult(w, s.service.SwitchSymbol(r.Context(), req.Symbol))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeResult(w, usecase.OperationResult{Status: usecase.StatusError, Message: "limit must be a positive integer", Kind: domain.KindValidation})
			return
		}
		limit = min(n, 1000)
	}
	s.writeResult(w, s.service.GetRecentTrades(r.Context(), limit))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.service.RestoreStatus(r.Context()))
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.service.GetCurrentPrice(r.Context(), r.URL.Query().Get("symbol")))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.service.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	t := s.trading
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":             t.Symbol,
		"leverage":           t.Leverage,
		"position_percent":   t.PositionPercent,
		"stop_profit":        t.StopProfit,
		"stop_loss":          t.StopLoss,
		"max_hold_time":      t.MaxHoldTime.String(),
		"consecutive_losses": t.ConsecutiveLosses,
		"disable_time":       t.DisableTime.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.session.State()
	code := http.StatusOK
	if state == exchange.StateFailed {
		code = http.StatusServiceUnavailable
	}
	ledger := "ok"
	if err := s.service.LedgerError(); err != nil {
		code = http.StatusServiceUnavailable
		ledger = err.Error()
	}
	writeJSON(w, code, map[string]any{
		"session":  state.String(),
		"attempts": s.session.Attempts(),
		"symbol":   s.session.Symbol(),
		"ledger":   ledger,
	})
}

func (s *Server) writeResult(w http.ResponseWriter, res usecase.OperationResult) {
	code := http.StatusOK
	if !res.OK() {
		code = statusFor(res.Kind)
	}
	writeJSON(w, code, res)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindExchangeRejected:
		return http.StatusUnprocessableEntity
	case domain.KindTransport, domain.KindSessionFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
