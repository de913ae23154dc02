package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_session_state",
		Help: "0=connecting, 1=connected, 2=degraded, 3=failed",
	})
	SessionReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_session_reconnects_total",
		Help: "Reconnect attempts made by the stream session",
	})
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_received_total",
		Help: "Parsed stream events by type",
	}, []string{"type"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_dropped_total",
		Help: "Stream messages dropped without delivery",
	}, []string{"reason"})
	ListenKeyRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_listen_key_renewals_total",
		Help: "Listen keys issued by the exchange",
	})
	OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_placed_total",
		Help: "Orders accepted by the exchange",
	}, []string{"type"})
	OrdersFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_failed_total",
		Help: "Orders that failed, by error kind",
	}, []string{"type", "kind"})
	ConsecutiveLosses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_consecutive_losses",
		Help: "Current run of losing closes",
	})
	TradingDisabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_trading_disabled",
		Help: "1 while the loss breaker blocks new entries",
	})
	BreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_breaker_trips_total",
		Help: "Times the loss breaker disabled trading",
	})
	PositionOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_position_open",
		Help: "1 while a position is open",
	})
)

func init() {
	prometheus.MustRegister(
		SessionState,
		SessionReconnects,
		EventsReceived,
		EventsDropped,
		ListenKeyRenewals,
		OrdersPlaced,
		OrdersFailed,
		ConsecutiveLosses,
		TradingDisabled,
		BreakerTrips,
		PositionOpen,
	)
}

func BoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
