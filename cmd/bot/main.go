package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/futures_risk_engine/internal/config"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/exchange"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/logger"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/notify"
	"github.com/vitos/futures_risk_engine/internal/infrastructure/storage"
	"github.com/vitos/futures_risk_engine/internal/usecase"
	"github.com/vitos/futures_risk_engine/internal/web"
	"go.uber.org/zap"
)

func main() {
	// 1. Load Config
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Init Ledger
	ledger, err := storage.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		log.Fatal("Failed to open trade ledger", zap.String("path", cfg.Ledger.Path), zap.Error(err))
	}
	defer ledger.Close()

	// 4. Init Exchange (Binance USDⓈ-M futures)
	adapter := exchange.NewBinanceAdapter(
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint,
		cfg.Exchange.Testnet,
		cfg.Exchange.RESTTimeout,
		log,
	)
	if err := adapter.ChangeLeverage(ctx, cfg.Trading.Symbol, cfg.Trading.Leverage); err != nil {
		log.Fatal("Failed to set leverage", zap.String("symbol", cfg.Trading.Symbol), zap.Error(err))
	}
	inst, err := adapter.GetInstrument(ctx, cfg.Trading.Symbol)
	if err != nil {
		log.Fatal("Failed to load instrument", zap.String("symbol", cfg.Trading.Symbol), zap.Error(err))
	}

	// 5. Init Alerts
	var notifier domain.Notifier = notify.NewLog(log)
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, log)
		if err != nil {
			log.Error("Failed to init telegram, alerts go to the log", zap.Error(err))
		} else {
			tg.Start(ctx)
			notifier = tg
		}
	}

	// 6. Init Engine
	cache := usecase.NewPriceCache()
	prices := usecase.NewPriceService(cache, adapter, log)
	executor := usecase.NewOrderExecutor(adapter, log)
	engine := usecase.NewRiskEngine(usecase.RiskConfig{
		Leverage:       cfg.Trading.Leverage,
		StopProfitPct:  cfg.Trading.StopProfit,
		StopLossPct:    cfg.Trading.StopLoss,
		MaxHoldTime:    cfg.Trading.MaxHoldTime,
		LossThreshold:  cfg.Trading.ConsecutiveLosses,
		DisableFor:     cfg.Trading.DisableTime,
		InitialBalance: cfg.Trading.InitialBalance,
	}, executor, prices, ledger, notifier, log)

	if err := engine.SetInstrument(inst); err != nil {
		log.Fatal("Failed to set instrument", zap.Error(err))
	}
	status, err := engine.Restore(ctx)
	if err != nil {
		log.Fatal("Failed to restore state from ledger", zap.Error(err))
	}
	log.Info("State restored",
		zap.String("position", string(status.Position)),
		zap.Int("consecutive_losses", status.ConsecutiveLosses),
		zap.Bool("disabled", status.Disabled))

	// 7. Connect Stream
	keys := exchange.NewListenKeyManager(adapter, cfg.Websocket.ListenKeyLead, log)
	session := exchange.NewSession(exchange.SessionConfig{
		Endpoint:             cfg.Exchange.WSEndpoint,
		Symbol:               cfg.Trading.Symbol,
		KlineInterval:        cfg.Websocket.KlineInterval,
		PingInterval:         cfg.Websocket.PingInterval,
		ReconnectDelay:       cfg.Websocket.ReconnectDelay,
		MaxReconnectAttempts: cfg.Websocket.MaxReconnectAttempts,
		ListenKeyCheck:       cfg.Websocket.ListenKeyCheck,
		RequestTimeout:       cfg.Exchange.RESTTimeout,
	}, exchange.DialWebsocket, keys, cache, log)
	session.AddSink(engine)
	session.OnStateChange(func(st exchange.SessionState, attempts int) {
		switch st {
		case exchange.StateDegraded:
			notifier.Sendf("Stream lost, reconnect attempt %d/%d", attempts, cfg.Websocket.MaxReconnectAttempts)
		case exchange.StateFailed:
			notifier.Send("Stream FAILED, reconnect attempts exhausted")
		}
	})

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- session.Run(ctx)
	}()

	// 8. Init Web Server
	service := usecase.NewTradingService(engine, prices, ledger, adapter, session, cfg.Trading.Leverage, log)
	server := web.NewServer(cfg.Server.Port, service, session, cfg.Trading, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("Received signal", zap.String("signal", sig.String()))
	case err := <-sessionDone:
		if errors.Is(err, domain.ErrSessionFailed) {
			log.Error("Stream session failed, shutting down", zap.Error(err))
		}
	case <-engine.Halted():
		log.Error("Trade ledger write failed, shutting down", zap.Error(engine.LedgerError()))
	}

	log.Info("Shutting down...")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}
