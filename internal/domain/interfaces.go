package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExchangeClient is the REST side of the exchange.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error)
	GetAccountTrades(ctx context.Context, symbol string, orderID int64) ([]AccountTrade, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	ListenKeyProvider
}

// ListenKeyProvider issues and extends user-data stream credentials.
type ListenKeyProvider interface {
	NewListenKey(ctx context.Context) (string, error)
	KeepaliveListenKey(ctx context.Context, listenKey string) error
}

// TradeLedger is the append-only trade history.
type TradeLedger interface {
	Append(ctx context.Context, rec *TradeRecord) error
	ReadAll(ctx context.Context) ([]*TradeRecord, error)
	ReadRecent(ctx context.Context, n int) ([]*TradeRecord, error)
}

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
}
