package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_risk_engine/internal/domain"
)

func TestDecodeEvent_FuturesOrderUpdate(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000100,"T":1700000000099,"o":{
		"s":"BTCUSDT","c":"entry-1","S":"SELL","o":"TAKE_PROFIT_MARKET","f":"GTC",
		"q":"0.010","p":"0","ap":"30450.5","sp":"30450","x":"TRADE","X":"FILLED",
		"i":8886774,"l":"0.010","z":"0.010","L":"30450.5","n":"0.12","N":"USDT",
		"T":1700000000099,"t":42,"R":true,"cp":true,"rp":"4.5","AP":"0","O":1700000000000}}`)

	ev, err := decodeEvent("ORDER_TRADE_UPDATE", raw)
	require.NoError(t, err)
	rep, ok := ev.(*domain.ExecutionReport)
	require.True(t, ok)

	assert.Equal(t, int64(8886774), rep.OrderID)
	assert.Equal(t, "entry-1", rep.ClientOrderID)
	assert.Equal(t, domain.OrderSideSell, rep.Side)
	assert.Equal(t, domain.OrderStatusFilled, rep.Status)
	assert.True(t, rep.AvgPrice.Equal(decimal.RequireFromString("30450.5")))
	assert.True(t, rep.RealizedPnL.Equal(decimal.RequireFromString("4.5")))
	assert.True(t, rep.Commission.Equal(decimal.RequireFromString("0.12")))
	assert.True(t, rep.ClosePosition)
	assert.Equal(t, int64(1700000000100), rep.EventTime)
}

func TestDecodeEvent_SpotExecutionReport(t *testing.T) {
	raw := []byte(`{"e":"executionReport","E":1700000000200,"s":"BTCUSDT","c":"x1",
		"S":"BUY","o":"MARKET","q":"1.00","p":"0","X":"NEW","x":"NEW","i":7,"l":"0","z":"0","L":"0","n":"0"}`)

	ev, err := decodeEvent("executionReport", raw)
	require.NoError(t, err)
	rep := ev.(*domain.ExecutionReport)
	assert.Equal(t, domain.OrderStatusNew, rep.Status)
	assert.Equal(t, int64(7), rep.OrderID)
	assert.True(t, rep.RealizedPnL.IsZero())
}

func TestDecodeEvent_AccountUpdate(t *testing.T) {
	raw := []byte(`{"e":"ACCOUNT_UPDATE","E":1,"T":1,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1000.5","cw":"990"}],
		"P":[{"s":"BTCUSDT","pa":"-0.01","ep":"30000","up":"-1.2","ps":"BOTH"}]}}`)

	ev, err := decodeEvent("ACCOUNT_UPDATE", raw)
	require.NoError(t, err)
	upd := ev.(*domain.AccountUpdate)
	require.Len(t, upd.Balances, 1)
	require.Len(t, upd.Positions, 1)
	assert.Equal(t, "ORDER", upd.Reason)
	assert.True(t, upd.Positions[0].Amount.Equal(decimal.RequireFromString("-0.01")))
}

func TestDecodeEvent_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		event string
		raw   string
	}{
		{"kline without close", "kline", `{"e":"kline","E":1,"s":"BTCUSDT","k":{"o":"1"}}`},
		{"kline with bad number", "kline", `{"e":"kline","E":1,"s":"BTCUSDT","k":{"c":"abc"}}`},
		{"kline with zero close", "kline", `{"e":"kline","E":1,"s":"BTCUSDT","k":{"c":"0"}}`},
		{"kline with negative close", "kline", `{"e":"kline","E":1,"s":"BTCUSDT","k":{"c":"-3.5"}}`},
		{"order without id", "ORDER_TRADE_UPDATE", `{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT","X":"NEW"}}`},
		{"truncated", "ACCOUNT_UPDATE", `{"e":"ACCOUNT_UPDATE","E":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeEvent(tc.event, []byte(tc.raw))
			require.Error(t, err)
			assert.Equal(t, domain.KindParse, domain.KindOf(err))
		})
	}
}

func TestDecodeEvent_UnknownTypeIsIgnored(t *testing.T) {
	ev, err := decodeEvent("MARGIN_CALL", []byte(`{"e":"MARGIN_CALL"}`))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}
