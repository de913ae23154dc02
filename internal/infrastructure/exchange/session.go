package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"github.com/vitos/futures_risk_engine/internal/metrics"
	"go.uber.org/zap"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDegraded
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Conn is the part of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type SessionConfig struct {
	Endpoint             string
	Symbol               string
	KlineInterval        string
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ListenKeyCheck       time.Duration
	RequestTimeout       time.Duration
}

const writeWait = 5 * time.Second

var errNotConnected = errors.New("not connected")

// Session keeps one market + user-data stream alive. Run owns the connection
// lifecycle; events are handed to sinks from the read goroutine, one at a
// time and in arrival order.
type Session struct {
	cfg    SessionConfig
	dial   Dialer
	keys   *ListenKeyManager
	prices domain.PriceRecorder
	logger *zap.Logger

	mu         sync.Mutex
	conn       Conn
	symbol     string
	userStream string
	sinks      []domain.EventSink
	hooks      []func(SessionState, int)

	writeMu  sync.Mutex
	switchMu sync.Mutex

	state    atomic.Int32
	attempts atomic.Int32
	nextID   atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *envelope

	renewCh chan struct{}
}

func NewSession(cfg SessionConfig, dial Dialer, keys *ListenKeyManager, prices domain.PriceRecorder, logger *zap.Logger) *Session {
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.ListenKeyCheck == 0 {
		cfg.ListenKeyCheck = time.Minute
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if dial == nil {
		dial = DialWebsocket
	}
	return &Session{
		cfg:     cfg,
		dial:    dial,
		keys:    keys,
		prices:  prices,
		logger:  logger.With(zap.String("component", "session")),
		symbol:  strings.ToUpper(cfg.Symbol),
		pending: make(map[int64]chan *envelope),
		renewCh: make(chan struct{}, 1),
	}
}

// AddSink registers a consumer. Sinks are called in registration order.
func (s *Session) AddSink(sink domain.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// OnStateChange registers a hook called with the new state and the current
// reconnect attempt count.
func (s *Session) OnStateChange(fn func(SessionState, int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Attempts is the number of reconnect attempts in the current failure run.
func (s *Session) Attempts() int {
	return int(s.attempts.Load())
}

func (s *Session) Symbol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol
}

func (s *Session) setState(st SessionState, attempts int) {
	s.state.Store(int32(st))
	s.attempts.Store(int32(attempts))
	metrics.SessionState.Set(float64(st))

	s.mu.Lock()
	hooks := make([]func(SessionState, int), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, h := range hooks {
		h(st, attempts)
	}
}

// Run connects and keeps the session alive until ctx is cancelled (nil) or
// the reconnect budget is spent (an error wrapping domain.ErrSessionFailed).
// Once FAILED no further dial is made.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting, 0)
	err := s.connect(ctx)
	attempts := 0

	for {
		if err == nil {
			attempts = 0
			s.setState(StateConnected, 0)
			s.logger.Info("Session connected", zap.String("symbol", s.Symbol()))
			err = s.serve(ctx)
		}
		if ctx.Err() != nil {
			s.closeConn()
			return nil
		}

		if attempts >= s.cfg.MaxReconnectAttempts {
			s.closeConn()
			s.setState(StateFailed, attempts)
			s.logger.Error("Session failed, reconnect attempts exhausted",
				zap.Int("attempts", attempts), zap.Error(err))
			return fmt.Errorf("%w: %v", domain.ErrSessionFailed, err)
		}

		attempts++
		s.setState(StateDegraded, attempts)
		metrics.SessionReconnects.Inc()
		s.logger.Warn("Session lost, reconnecting",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", s.cfg.MaxReconnectAttempts),
			zap.Duration("delay", s.cfg.ReconnectDelay),
			zap.Error(err))

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.closeConn()
			return nil
		case <-timer.C:
		}

		s.closeConn()
		err = s.connect(ctx)
	}
}

// connect dials and issues the kline and user-data subscriptions.
func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, s.cfg.Endpoint)
	if err != nil {
		return domain.NewTransportError("dial", err)
	}

	s.mu.Lock()
	s.conn = conn
	symbol := s.symbol
	s.mu.Unlock()

	if err := s.send(wsRequest{Method: "SUBSCRIBE", Params: []string{s.klineStream(symbol)}, ID: s.nextID.Add(1)}); err != nil {
		return domain.NewTransportError("subscribe kline", err)
	}

	key, _, err := s.keys.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}
	if err := s.send(wsRequest{Method: "SUBSCRIBE", Params: []string{key}, ID: s.nextID.Add(1)}); err != nil {
		return domain.NewTransportError("subscribe user data", err)
	}

	s.mu.Lock()
	s.userStream = key
	s.mu.Unlock()
	return nil
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// serve reads until the connection drops.
func (s *Session) serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return domain.NewTransportError("serve", errNotConnected)
	}

	done := make(chan struct{})
	defer close(done)

	go s.keepAlive(conn, done)
	go s.watchListenKey(ctx, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.failPending()
			return domain.NewTransportError("read", err)
		}
		s.dispatch(ctx, msg)
	}
}

func (s *Session) keepAlive(conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("Ping failed, dropping connection", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) watchListenKey(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.ListenKeyCheck)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		case <-s.renewCh:
		}

		key, renewed, err := s.keys.Ensure(ctx)
		if err != nil {
			s.logger.Warn("Listen key renewal failed", zap.Error(err))
			continue
		}
		if renewed {
			if err := s.swapUserStream(ctx, key); err != nil {
				s.logger.Warn("User data resubscribe failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) swapUserStream(ctx context.Context, key string) error {
	s.mu.Lock()
	old := s.userStream
	s.mu.Unlock()

	if old != "" && old != key {
		if _, err := s.request(ctx, "UNSUBSCRIBE", []string{old}); err != nil {
			s.logger.Warn("Unsubscribe of stale listen key failed", zap.Error(err))
		}
	}
	if _, err := s.request(ctx, "SUBSCRIBE", []string{key}); err != nil {
		return err
	}

	s.mu.Lock()
	s.userStream = key
	s.mu.Unlock()
	s.logger.Info("User data stream moved to new listen key")
	return nil
}

// SwitchSymbol moves the kline subscription to symbol without touching the
// user-data stream: list, drop stale kline streams, then add the new one.
// It waits for stream acknowledgements, so it must not be called from a sink.
func (s *Session) SwitchSymbol(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	s.symbol = symbol
	connected := s.conn != nil
	s.mu.Unlock()

	// Not connected: the next connect subscribes the new symbol.
	if !connected || s.State() != StateConnected {
		return nil
	}

	env, err := s.request(ctx, "LIST_SUBSCRIPTIONS", nil)
	if err != nil {
		return err
	}
	var active []string
	if len(env.Result) > 0 {
		if err := sonic.Unmarshal(env.Result, &active); err != nil {
			return domain.NewParseError("list subscriptions", err)
		}
	}

	target := s.klineStream(symbol)
	var stale []string
	subscribed := false
	for _, stream := range active {
		if stream == target {
			subscribed = true
			continue
		}
		if isKlineStream(stream) {
			stale = append(stale, stream)
		}
	}

	if len(stale) > 0 {
		if _, err := s.request(ctx, "UNSUBSCRIBE", stale); err != nil {
			return err
		}
	}
	if !subscribed {
		if _, err := s.request(ctx, "SUBSCRIBE", []string{target}); err != nil {
			return err
		}
	}

	s.logger.Info("Kline subscription switched",
		zap.String("symbol", symbol),
		zap.Strings("removed", stale))
	return nil
}

func (s *Session) klineStream(symbol string) string {
	return strings.ToLower(symbol) + "@kline_" + s.cfg.KlineInterval
}

func isKlineStream(stream string) bool {
	return strings.Contains(stream, "@kline_")
}

func (s *Session) send(req wsRequest) error {
	payload, err := sonic.Marshal(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// request sends a stream method call and waits for the reply with the same id.
func (s *Session) request(ctx context.Context, method string, params []string) (*envelope, error) {
	id := s.nextID.Add(1)
	ch := make(chan *envelope, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.send(wsRequest{Method: method, Params: params, ID: id}); err != nil {
		return nil, domain.NewTransportError(strings.ToLower(method), err)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		if env == nil {
			return nil, domain.NewTransportError(strings.ToLower(method), errors.New("connection closed"))
		}
		if env.Error != nil {
			return nil, domain.NewExchangeRejected(strings.ToLower(method), env.Error.Code, env.Error.Msg)
		}
		return env, nil
	case <-timer.C:
		return nil, domain.NewTransportError(strings.ToLower(method), errors.New("no reply"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) resolve(env *envelope) {
	s.pendingMu.Lock()
	ch, ok := s.pending[*env.ID]
	s.pendingMu.Unlock()
	if !ok {
		if env.Error != nil {
			s.logger.Warn("Stream request rejected", zap.Int64("id", *env.ID), zap.String("msg", env.Error.Msg))
		}
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, ch := range s.pending {
		select {
		case ch <- nil:
		default:
		}
	}
}

func (s *Session) dispatch(ctx context.Context, raw []byte) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		s.drop("malformed", domain.NewParseError("decode message", err), raw)
		return
	}
	if env.ID != nil {
		s.resolve(&env)
		return
	}

	switch env.Event {
	case "":
		s.drop("no_event_type", domain.NewParseError("decode message", errMissingField), raw)
		return
	case "listenKeyExpired":
		s.logger.Warn("Listen key expired, forcing renewal")
		s.keys.Invalidate()
		select {
		case s.renewCh <- struct{}{}:
		default:
		}
		return
	}

	ev, err := decodeEvent(env.Event, raw)
	if err != nil {
		s.drop("parse_error", err, raw)
		return
	}
	if ev == nil {
		s.drop("unknown_event", domain.NewParseError("dispatch", fmt.Errorf("unknown event type %q", env.Event)), raw)
		return
	}

	if k, ok := ev.(*domain.KlineEvent); ok {
		s.prices.Record(k.Symbol, k.Close, k.EventTime)
	}
	metrics.EventsReceived.WithLabelValues(string(ev.Type())).Inc()

	s.mu.Lock()
	sinks := make([]domain.EventSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()

	for _, sink := range sinks {
		s.deliver(ctx, sink, ev)
	}
}

func (s *Session) deliver(ctx context.Context, sink domain.EventSink, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event sink panicked", zap.Any("panic", r), zap.String("event", string(ev.Type())))
		}
	}()
	sink.HandleEvent(ctx, ev)
}

func (s *Session) drop(reason string, err error, raw []byte) {
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	if len(raw) > 200 {
		raw = raw[:200]
	}
	s.logger.Warn("Dropping stream message",
		zap.String("reason", reason),
		zap.Error(err),
		zap.ByteString("message", raw))
}
