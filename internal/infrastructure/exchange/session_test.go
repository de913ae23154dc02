package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"go.uber.org/zap"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	pings     atomic.Int32
	pingErr   atomic.Bool

	mu      sync.Mutex
	writes  []wsRequest
	streams []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return 1, m, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

// WriteMessage records the request and answers it the way the exchange does.
func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}

	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	c.mu.Lock()
	c.writes = append(c.writes, req)
	var reply string
	switch req.Method {
	case "SUBSCRIBE":
		c.streams = append(c.streams, req.Params...)
		reply = fmt.Sprintf(`{"result":null,"id":%d}`, req.ID)
	case "UNSUBSCRIBE":
		kept := c.streams[:0]
		for _, s := range c.streams {
			if !contains(req.Params, s) {
				kept = append(kept, s)
			}
		}
		c.streams = kept
		reply = fmt.Sprintf(`{"result":null,"id":%d}`, req.ID)
	case "LIST_SUBSCRIPTIONS":
		list, _ := json.Marshal(c.streams)
		reply = fmt.Sprintf(`{"result":%s,"id":%d}`, list, req.ID)
	}
	c.mu.Unlock()

	if reply != "" {
		c.in <- []byte(reply)
	}
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.pings.Add(1)
	if c.pingErr.Load() {
		return errors.New("broken pipe")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Writes() []wsRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wsRequest, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeConn) Streams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.streams))
	copy(out, c.streams)
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type fakeKeys struct {
	issued atomic.Int32
}

func (f *fakeKeys) NewListenKey(ctx context.Context) (string, error) {
	n := f.issued.Add(1)
	return fmt.Sprintf("listen-key-%d", n), nil
}

func (f *fakeKeys) KeepaliveListenKey(ctx context.Context, key string) error {
	return nil
}

type recorder struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (r *recorder) Record(symbol string, price decimal.Decimal, eventMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prices == nil {
		r.prices = make(map[string]decimal.Decimal)
	}
	r.prices[symbol] = price
}

func (r *recorder) Get(symbol string) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prices[symbol]
	return p, ok
}

type collectSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collectSink) HandleEvent(ctx context.Context, ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectSink) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestSession(dial Dialer, prices domain.PriceRecorder) *Session {
	keys := NewListenKeyManager(&fakeKeys{}, time.Minute, zap.NewNop())
	if prices == nil {
		prices = &recorder{}
	}
	return NewSession(SessionConfig{
		Endpoint:             "wss://example.invalid/ws",
		Symbol:               "BTCUSDT",
		KlineInterval:        "1m",
		PingInterval:         time.Hour,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 3,
		ListenKeyCheck:       time.Hour,
		RequestTimeout:       time.Second,
	}, dial, keys, prices, zap.NewNop())
}

func runSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSession_SubscribesOnConnect(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) { return conn, nil }, nil)
	runSession(t, s)

	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(conn.Streams()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"btcusdt@kline_1m", "listen-key-1"}, conn.Streams())
}

func TestSession_PingsWhileConnected(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) { return conn, nil }, nil)
	s.cfg.PingInterval = 5 * time.Millisecond
	runSession(t, s)

	require.Eventually(t, func() bool { return conn.pings.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_FailedPingReconnects(t *testing.T) {
	var dials atomic.Int32
	first, second := newFakeConn(), newFakeConn()
	first.pingErr.Store(true)
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}, nil)
	s.cfg.PingInterval = 5 * time.Millisecond
	runSession(t, s)

	require.Eventually(t, func() bool { return dials.Load() == 2 && s.State() == StateConnected }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return second.pings.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestSession_FailsAfterMaxReconnectAttempts(t *testing.T) {
	var dials atomic.Int32
	first := newFakeConn()
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return nil, errors.New("connection refused")
	}, nil)

	var states []SessionState
	var mu sync.Mutex
	s.OnStateChange(func(st SessionState, n int) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	_, done := runSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, time.Millisecond)

	first.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrSessionFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not give up")
	}

	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, int32(4), dials.Load(), "one initial dial plus three reconnects")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), dials.Load(), "no dial after FAILED")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SessionState{
		StateConnecting, StateConnected,
		StateDegraded, StateDegraded, StateDegraded,
		StateFailed,
	}, states)
}

func TestSession_InitialDialFailureIsBounded(t *testing.T) {
	var dials atomic.Int32
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("no route to host")
	}, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindSessionFailed, domain.KindOf(err))
	assert.Equal(t, int32(4), dials.Load())
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_ReconnectResetsCounter(t *testing.T) {
	var dials atomic.Int32
	conns := []*fakeConn{newFakeConn(), nil, newFakeConn(), nil, nil, newFakeConn()}
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) {
		n := int(dials.Add(1)) - 1
		if n >= len(conns) || conns[n] == nil {
			return nil, errors.New("refused")
		}
		return conns[n], nil
	}, nil)
	runSession(t, s)

	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, time.Millisecond)
	conns[0].Close()

	// one failed dial, then back up
	require.Eventually(t, func() bool { return dials.Load() == 3 && s.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.Attempts())
	require.Eventually(t, func() bool { return len(conns[2].Streams()) == 2 }, time.Second, time.Millisecond)

	// two more failures still fit in a fresh budget of three
	conns[2].Close()
	require.Eventually(t, func() bool { return dials.Load() == 6 && s.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestSession_SwitchSymbolKeepsUserStream(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) { return conn, nil }, nil)
	runSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateConnected && len(conn.Streams()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.SwitchSymbol(context.Background(), "ethusdt"))

	assert.Equal(t, []string{"listen-key-1", "ethusdt@kline_1m"}, conn.Streams())
	assert.Equal(t, "ETHUSDT", s.Symbol())

	writes := conn.Writes()
	var methods []string
	for i, w := range writes {
		methods = append(methods, w.Method)
		if i >= 2 {
			assert.NotContains(t, w.Params, "listen-key-1", "user stream touched by %s", w.Method)
		}
	}
	assert.Equal(t, []string{"SUBSCRIBE", "SUBSCRIBE", "LIST_SUBSCRIPTIONS", "UNSUBSCRIBE", "SUBSCRIBE"}, methods)
	assert.Equal(t, []string{"btcusdt@kline_1m"}, writes[3].Params)
}

func TestSession_SwitchSymbolWhileDisconnected(t *testing.T) {
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) { return nil, errors.New("down") }, nil)
	require.NoError(t, s.SwitchSymbol(context.Background(), "SOLUSDT"))
	assert.Equal(t, "SOLUSDT", s.Symbol())
}

func TestSession_DispatchDropsBadMessagesAndKeepsGoing(t *testing.T) {
	conn := newFakeConn()
	prices := &recorder{}
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) { return conn, nil }, prices)
	sink := &collectSink{}
	s.AddSink(sink)
	runSession(t, s)
	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, time.Millisecond)

	conn.in <- []byte(`{not json`)
	conn.in <- []byte(`{"e":"somethingNew","E":1}`)
	conn.in <- []byte(`{"foo":"bar"}`)
	conn.in <- []byte(`{"e":"kline","E":1700000000000,"s":"BTCUSDT","k":{"s":"BTCUSDT","i":"1m","c":"not-a-number","x":false}}`)
	conn.in <- []byte(`{"e":"kline","E":1700000000000,"s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1m","o":"100","c":"101.5","h":"102","l":"99","L":77,"v":"10","V":"4","x":false}}`)
	conn.in <- []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000100,"T":1700000000099,"o":{"s":"BTCUSDT","c":"cid","S":"SELL","o":"MARKET","q":"0.010","p":"0","ap":"101.4","sp":"0","x":"TRADE","X":"FILLED","i":42,"l":"0.010","z":"0.010","L":"101.4","n":"0.01","N":"USDT","T":1700000000099,"t":9,"rp":"-1.25","R":true,"cp":false,"AP":"0"}}`)

	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, s.State())

	p, ok := prices.Get("BTCUSDT")
	require.True(t, ok, "open kline must still update the price")
	assert.True(t, p.Equal(decimal.RequireFromString("101.5")))

	events := sink.Events()
	kline, ok := events[0].(*domain.KlineEvent)
	require.True(t, ok)
	assert.False(t, kline.Closed)

	report, ok := events[1].(*domain.ExecutionReport)
	require.True(t, ok)
	assert.Equal(t, int64(42), report.OrderID)
	assert.Equal(t, domain.OrderStatusFilled, report.Status)
	assert.Equal(t, "cid", report.ClientOrderID)
	assert.True(t, report.AvgPrice.Equal(decimal.RequireFromString("101.4")))
	assert.True(t, report.RealizedPnL.Equal(decimal.RequireFromString("-1.25")))
}

func TestSession_ListenKeyExpiredForcesRenewal(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(func(ctx context.Context, url string) (Conn, error) { return conn, nil }, nil)
	runSession(t, s)
	require.Eventually(t, func() bool { return len(conn.Streams()) == 2 }, time.Second, time.Millisecond)

	conn.in <- []byte(`{"e":"listenKeyExpired","E":1700000000000}`)

	require.Eventually(t, func() bool {
		return contains(conn.Streams(), "listen-key-2") && !contains(conn.Streams(), "listen-key-1")
	}, time.Second, time.Millisecond)
	assert.Contains(t, conn.Streams(), "btcusdt@kline_1m")
}
