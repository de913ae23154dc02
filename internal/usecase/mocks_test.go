package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"github.com/vitos/futures_risk_engine/internal/usecase"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

type MockExchange struct {
	mu          sync.Mutex
	nextID      int64
	placed      []domain.OrderRequest
	canceled    []int64
	fail        map[domain.OrderType]error
	fillPrice   decimal.Decimal
	ticker      decimal.Decimal
	tickerErr   error
	tickerCalls int
	getOrderErr error
	trades      map[int64][]domain.AccountTrade
	instruments map[string]*domain.Instrument
	leverage    map[string]int
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		nextID:    100,
		fail:      make(map[domain.OrderType]error),
		fillPrice: dec("100"),
		ticker:    dec("100"),
		trades:    make(map[int64][]domain.AccountTrade),
		instruments: map[string]*domain.Instrument{
			"BTCUSDT": {Symbol: "BTCUSDT", MinQty: dec("0.001"), StepSize: dec("0.001"), TickSize: dec("0.1")},
			"ETHUSDT": {Symbol: "ETHUSDT", MinQty: dec("0.01"), StepSize: dec("0.01"), TickSize: dec("0.01")},
		},
		leverage: make(map[string]int),
	}
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[req.Type]; err != nil {
		return nil, err
	}
	m.nextID++
	m.placed = append(m.placed, req)
	res := &domain.OrderResult{
		OrderID:       m.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        domain.OrderStatusNew,
		OrigQty:       req.Quantity,
		StopPrice:     req.StopPrice,
	}
	if req.Type == domain.OrderTypeMarket {
		res.Status = domain.OrderStatusFilled
		res.AvgPrice = m.fillPrice
		res.ExecutedQty = req.Quantity
	}
	return res, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *MockExchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getOrderErr != nil {
		return nil, m.getOrderErr
	}
	return &domain.OrderResult{OrderID: orderID, Symbol: symbol, Status: domain.OrderStatusFilled, AvgPrice: m.fillPrice}, nil
}

func (m *MockExchange) GetAccountTrades(ctx context.Context, symbol string, orderID int64) ([]domain.AccountTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades[orderID], nil
}

func (m *MockExchange) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerCalls++
	return m.ticker, m.tickerErr
}

func (m *MockExchange) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *MockExchange) GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	inst, ok := m.instruments[symbol]
	if !ok {
		return nil, domain.NewExchangeRejected("exchange info", -1121, "Invalid symbol.")
	}
	return inst, nil
}

func (m *MockExchange) NewListenKey(ctx context.Context) (string, error) { return "key", nil }

func (m *MockExchange) KeepaliveListenKey(ctx context.Context, key string) error { return nil }

func (m *MockExchange) Placed() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderRequest(nil), m.placed...)
}

func (m *MockExchange) Canceled() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.canceled...)
}

func (m *MockExchange) Fail(t domain.OrderType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[t] = err
}

// SettleWith makes orderID report a single trade with pnl.
func (m *MockExchange) SettleWith(orderID int64, pnl string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[orderID] = []domain.AccountTrade{
		{ID: orderID * 10, OrderID: orderID, RealizedPnL: dec(pnl), Commission: dec("0.04")},
	}
}

type MockLedger struct {
	mu      sync.Mutex
	records []*domain.TradeRecord
	failErr error
}

func (l *MockLedger) Append(ctx context.Context, rec *domain.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return domain.NewPersistenceError("append trade record", l.failErr)
	}
	cp := *rec
	cp.ID = int64(len(l.records) + 1)
	l.records = append(l.records, &cp)
	return nil
}

func (l *MockLedger) ReadAll(ctx context.Context) ([]*domain.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*domain.TradeRecord{}, l.records...), nil
}

func (l *MockLedger) ReadRecent(ctx context.Context, n int) ([]*domain.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.records) {
		n = len(l.records)
	}
	return append([]*domain.TradeRecord{}, l.records[len(l.records)-n:]...), nil
}

func (l *MockLedger) Records() []*domain.TradeRecord {
	recs, _ := l.ReadAll(context.Background())
	return recs
}

func (l *MockLedger) Last() *domain.TradeRecord {
	recs := l.Records()
	if len(recs) == 0 {
		return nil
	}
	return recs[len(recs)-1]
}

type MockNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *MockNotifier) Send(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *MockNotifier) Sendf(format string, args ...any) { n.Send(fmt.Sprintf(format, args...)) }

func (n *MockNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errBoom = errors.New("boom")

type harness struct {
	ex       *MockExchange
	ledger   *MockLedger
	notifier *MockNotifier
	cache    *usecase.PriceCache
	prices   *usecase.PriceService
	engine   *usecase.RiskEngine
	clock    *fakeClock
}

func defaultRiskConfig() usecase.RiskConfig {
	return usecase.RiskConfig{
		Leverage:       1,
		StopProfitPct:  dec("1.5"),
		StopLossPct:    dec("1"),
		MaxHoldTime:    time.Hour,
		LossThreshold:  3,
		DisableFor:     time.Hour,
		InitialBalance: dec("1000"),
	}
}

func newHarness(t *testing.T, mutate func(*usecase.RiskConfig)) *harness {
	t.Helper()
	cfg := defaultRiskConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		ex:       NewMockExchange(),
		ledger:   &MockLedger{},
		notifier: &MockNotifier{},
		cache:    usecase.NewPriceCache(),
		clock:    &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	logger := zap.NewNop()
	h.prices = usecase.NewPriceService(h.cache, h.ex, logger)
	usecase.SetPriceClock(h.prices, h.clock.Now)
	h.engine = usecase.NewRiskEngine(cfg, usecase.NewOrderExecutor(h.ex, logger), h.prices, h.ledger, h.notifier, logger)
	usecase.SetEngineClock(h.engine, h.clock.Now)

	inst, err := h.ex.GetInstrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NoError(t, h.engine.SetInstrument(inst))
	h.tick("100")
	return h
}

// tick records a fresh market price.
func (h *harness) tick(price string) {
	h.cache.Record("BTCUSDT", dec(price), h.clock.Now().UnixMilli())
}

// roundTrip opens a long, closes it and delivers the close fill with pnl.
func (h *harness) roundTrip(t *testing.T, pnl string) {
	t.Helper()
	ctx := context.Background()
	h.tick("100")
	_, err := h.engine.Open(ctx, domain.SideLong, dec("0.1"))
	require.NoError(t, err)
	res, err := h.engine.Close(ctx, domain.SideLong, usecase.ReasonManual)
	require.NoError(t, err)

	h.ex.SettleWith(res.OrderID, pnl)
	h.engine.HandleEvent(ctx, &domain.ExecutionReport{
		Symbol:    "BTCUSDT",
		OrderID:   res.OrderID,
		Side:      domain.OrderSideSell,
		Status:    domain.OrderStatusFilled,
		TradeTime: h.clock.Now().UnixMilli(),
	})
	h.clock.Advance(time.Minute)
}
