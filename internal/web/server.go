package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitos/futures_risk_engine/internal/config"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/exchange"
	"github.com/vitos/futures_risk_engine/internal/usecase"
	"go.uber.org/zap"
)

// SessionStatus is the part of the stream session the health check reads.
type SessionStatus interface {
	State() exchange.SessionState
	Attempts() int
	Symbol() string
}

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	service *usecase.TradingService
	session SessionStatus
	trading config.Trading
	logger  *zap.Logger
}

func NewServer(
	port int,
	service *usecase.TradingService,
	session SessionStatus,
	trading config.Trading,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		service: service,
		session: session,
		trading: trading,
		logger:  logger.With(zap.String("component", "web")),
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Orders
	s.router.HandleFunc("POST /api/quick_order", s.handleQuickOrder)
	s.router.HandleFunc("POST /api/symbol", s.handleSwitchSymbol)

	// State
	s.router.HandleFunc("GET /api/trades", s.handleTrades)
	s.router.HandleFunc("GET /api/restore", s.handleRestore)
	s.router.HandleFunc("GET /api/price", s.handlePrice)
	s.router.HandleFunc("GET /api/position", s.handlePosition)
	s.router.HandleFunc("GET /api/config", s.handleConfig)

	// Ops
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
