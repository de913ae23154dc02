package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"go.uber.org/zap"
)

// BinanceAdapter implements domain.ExchangeClient on the USDⓈ-M futures REST API.
type BinanceAdapter struct {
	client *futures.Client
	logger *zap.Logger
}

func NewBinanceAdapter(apiKey, apiSecret, restEndpoint string, testnet bool, timeout time.Duration, logger *zap.Logger) *BinanceAdapter {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, apiSecret)
	if restEndpoint != "" {
		client.BaseURL = restEndpoint
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &BinanceAdapter{
		client: client,
		logger: logger.With(zap.String("component", "binance_rest")),
	}
}

// classify separates exchange rejections from transport failures.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return domain.NewExchangeRejected(op, apiErr.Code, apiErr.Message)
	}
	return domain.NewTransportError(op, err)
}

func (b *BinanceAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type))

	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		// MARKET orders cannot carry closePosition; a reduce-only order of the
		// held quantity flattens the position instead.
		svc = svc.Quantity(req.Quantity.String()).NewOrderResponseType(futures.NewOrderRespTypeRESULT)
		if req.ClosePosition {
			svc = svc.ReduceOnly(true)
		}
	default:
		svc = svc.StopPrice(req.StopPrice.String()).WorkingType(futures.WorkingTypeMarkPrice)
		if req.ClosePosition {
			svc = svc.ClosePosition(true)
		} else {
			svc = svc.Quantity(req.Quantity.String())
		}
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("place "+strings.ToLower(string(req.Type))+" order", err)
	}
	b.logger.Debug("Order accepted",
		zap.String("symbol", res.Symbol),
		zap.Int64("order_id", res.OrderID),
		zap.String("type", string(res.Type)),
		zap.String("status", string(res.Status)))

	return &domain.OrderResult{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          domain.OrderSide(res.Side),
		Type:          domain.OrderType(res.Type),
		Status:        domain.OrderStatus(res.Status),
		Price:         toDecimal(res.Price),
		AvgPrice:      toDecimal(res.AvgPrice),
		OrigQty:       toDecimal(res.OrigQuantity),
		ExecutedQty:   toDecimal(res.ExecutedQuantity),
		StopPrice:     toDecimal(res.StopPrice),
		UpdatedAt:     time.UnixMilli(res.UpdateTime),
	}, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		return classify("cancel order", err)
	}
	return nil
}

func (b *BinanceAdapter) GetOrder(ctx context.Context, symbol string, orderID int64) (*domain.OrderResult, error) {
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, classify("get order", err)
	}
	return &domain.OrderResult{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        domain.OrderStatus(o.Status),
		Price:         toDecimal(o.Price),
		AvgPrice:      toDecimal(o.AvgPrice),
		OrigQty:       toDecimal(o.OrigQuantity),
		ExecutedQty:   toDecimal(o.ExecutedQuantity),
		StopPrice:     toDecimal(o.StopPrice),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}, nil
}

// GetAccountTrades returns the fills of one order.
func (b *BinanceAdapter) GetAccountTrades(ctx context.Context, symbol string, orderID int64) ([]domain.AccountTrade, error) {
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, classify("get order", err)
	}

	trades, err := b.client.NewListAccountTradeService().
		Symbol(symbol).
		StartTime(o.Time).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return nil, classify("get account trades", err)
	}

	var out []domain.AccountTrade
	for _, t := range trades {
		if t.OrderID != orderID {
			continue
		}
		out = append(out, domain.AccountTrade{
			ID:          t.ID,
			OrderID:     t.OrderID,
			Price:       toDecimal(t.Price),
			Quantity:    toDecimal(t.Quantity),
			RealizedPnL: toDecimal(t.RealizedPnl),
			Commission:  toDecimal(t.Commission),
			Time:        time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

func (b *BinanceAdapter) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classify("ticker price", err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return decimal.Zero, domain.NewParseError("ticker price", fmt.Errorf("%s price %q: %w", symbol, p.Price, err))
		}
		if !price.IsPositive() {
			return decimal.Zero, domain.NewParseError("ticker price", fmt.Errorf("%s price %s is not positive", symbol, price))
		}
		return price, nil
	}
	return decimal.Zero, domain.NewExchangeRejected("ticker price", 0, "symbol not found: "+symbol)
}

func (b *BinanceAdapter) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	if _, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return classify("change leverage", err)
	}
	return nil
}

// GetInstrument loads the LOT_SIZE and PRICE_FILTER rules for symbol.
func (b *BinanceAdapter) GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify("exchange info", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		inst := &domain.Instrument{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				inst.MinQty = filterValue(f, "minQty")
				inst.StepSize = filterValue(f, "stepSize")
			case "PRICE_FILTER":
				inst.TickSize = filterValue(f, "tickSize")
			}
		}
		if !inst.StepSize.IsPositive() || !inst.TickSize.IsPositive() {
			return nil, domain.NewValidationError("exchange info", fmt.Sprintf("incomplete filters for %s", symbol))
		}
		return inst, nil
	}
	return nil, domain.NewValidationError("exchange info", "unknown symbol "+symbol)
}

func (b *BinanceAdapter) NewListenKey(ctx context.Context) (string, error) {
	key, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", classify("new listen key", err)
	}
	return key, nil
}

func (b *BinanceAdapter) KeepaliveListenKey(ctx context.Context, listenKey string) error {
	if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return classify("keepalive listen key", err)
	}
	return nil
}

func filterValue(f map[string]interface{}, key string) decimal.Decimal {
	s, _ := f[key].(string)
	return toDecimal(s)
}

func toDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
