package exchange

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
)

// Binance mixes keys that differ only by case ("e"/"E", "l"/"L"). Both halves
// of each pair are mapped so case-insensitive key matching never crosses them.

type envelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	ID        *int64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *wsError        `json:"error"`
}

type wsError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

type wireKline struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		StartTime    int64  `json:"t"`
		CloseTime    int64  `json:"T"`
		Symbol       string `json:"s"`
		Interval     string `json:"i"`
		Open         string `json:"o"`
		Close        string `json:"c"`
		High         string `json:"h"`
		Low          string `json:"l"`
		LastTradeID  int64  `json:"L"`
		Volume       string `json:"v"`
		TakerBuyBase string `json:"V"`
		Closed       bool   `json:"x"`
	} `json:"k"`
}

type wireOrder struct {
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	Side              string `json:"S"`
	OrderType         string `json:"o"`
	Quantity          string `json:"q"`
	Price             string `json:"p"`
	AvgPrice          string `json:"ap"`
	StopPrice         string `json:"sp"`
	ExecutionType     string `json:"x"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	LastQty           string `json:"l"`
	LastPrice         string `json:"L"`
	CumQty            string `json:"z"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	TradeTime         int64  `json:"T"`
	TradeID           int64  `json:"t"`
	RealizedPnL       string `json:"rp"`
	ReduceOnly        bool   `json:"R"`
	ClosePosition     bool   `json:"cp"`

	// case twins of the fields above; decoded only to keep them apart
	ActivationPrice string `json:"AP"`
	CreatedAt       int64  `json:"O"`
	QuoteQty        string `json:"Q"`
	LimitPrice      string `json:"P"`
	CumQuote        string `json:"Z"`
	Ignore          int64  `json:"I"`
}

// futures ORDER_TRADE_UPDATE nests the order under "o".
type wireOrderUpdate struct {
	Event     string    `json:"e"`
	EventTime int64     `json:"E"`
	TxTime    int64     `json:"T"`
	Order     wireOrder `json:"o"`
}

// spot-style executionReport carries the order fields at the top level.
type wireExecutionReport struct {
	wireOrder
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

type wireAccountUpdate struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Account   struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
			CrossBalance  string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			Amount        string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnL string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type wireAccountPosition struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

var errMissingField = errors.New("missing required field")

// decodeEvent turns a raw stream message into a domain event. It returns
// (nil, nil) for discriminators the engine does not consume.
func decodeEvent(eventType string, raw []byte) (domain.Event, error) {
	switch eventType {
	case "kline":
		return decodeKline(raw)
	case "ORDER_TRADE_UPDATE":
		var w wireOrderUpdate
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return nil, domain.NewParseError("decode order update", err)
		}
		return executionFromWire(w.EventTime, w.Order)
	case "executionReport":
		var w wireExecutionReport
		if err := sonic.Unmarshal(raw, &w); err != nil {
			return nil, domain.NewParseError("decode execution report", err)
		}
		return executionFromWire(w.EventTime, w.wireOrder)
	case "ACCOUNT_UPDATE":
		return decodeAccountUpdate(raw)
	case "outboundAccountPosition":
		return decodeAccountPosition(raw)
	}
	return nil, nil
}

func decodeKline(raw []byte) (*domain.KlineEvent, error) {
	var w wireKline
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return nil, domain.NewParseError("decode kline", err)
	}
	symbol := w.Symbol
	if symbol == "" {
		symbol = w.K.Symbol
	}
	if symbol == "" || w.K.Close == "" || w.EventTime == 0 {
		return nil, domain.NewParseError("decode kline", errMissingField)
	}

	ev := &domain.KlineEvent{
		Symbol:    symbol,
		Interval:  w.K.Interval,
		EventTime: w.EventTime,
		StartTime: w.K.StartTime,
		CloseTime: w.K.CloseTime,
		Closed:    w.K.Closed,
	}
	var err error
	if ev.Close, err = parseNum("k.c", w.K.Close); err != nil {
		return nil, err
	}
	if !ev.Close.IsPositive() {
		return nil, domain.NewParseError("decode kline", fmt.Errorf("non-positive close %q", w.K.Close))
	}
	if ev.Open, err = parseNum("k.o", w.K.Open); err != nil {
		return nil, err
	}
	if ev.High, err = parseNum("k.h", w.K.High); err != nil {
		return nil, err
	}
	if ev.Low, err = parseNum("k.l", w.K.Low); err != nil {
		return nil, err
	}
	if ev.Volume, err = parseNum("k.v", w.K.Volume); err != nil {
		return nil, err
	}
	return ev, nil
}

func executionFromWire(eventTime int64, o wireOrder) (*domain.ExecutionReport, error) {
	if o.Symbol == "" || o.OrderID == 0 || o.Status == "" {
		return nil, domain.NewParseError("decode execution report", errMissingField)
	}
	ev := &domain.ExecutionReport{
		EventTime:     eventTime,
		TradeTime:     o.TradeTime,
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          domain.OrderSide(o.Side),
		OrderType:     o.OrderType,
		ExecutionType: o.ExecutionType,
		Status:        domain.OrderStatus(o.Status),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
	}
	fields := []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"p", o.Price, &ev.Price},
		{"q", o.Quantity, &ev.Quantity},
		{"sp", o.StopPrice, &ev.StopPrice},
		{"ap", o.AvgPrice, &ev.AvgPrice},
		{"L", o.LastPrice, &ev.LastPrice},
		{"l", o.LastQty, &ev.LastQty},
		{"z", o.CumQty, &ev.CumQty},
		{"rp", o.RealizedPnL, &ev.RealizedPnL},
		{"n", o.Commission, &ev.Commission},
	}
	for _, f := range fields {
		v, err := parseNum(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return ev, nil
}

func decodeAccountUpdate(raw []byte) (*domain.AccountUpdate, error) {
	var w wireAccountUpdate
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return nil, domain.NewParseError("decode account update", err)
	}
	ev := &domain.AccountUpdate{EventTime: w.EventTime, Reason: w.Account.Reason}
	for _, b := range w.Account.Balances {
		wb, err := parseNum("wb", b.WalletBalance)
		if err != nil {
			return nil, err
		}
		cw, err := parseNum("cw", b.CrossBalance)
		if err != nil {
			return nil, err
		}
		ev.Balances = append(ev.Balances, domain.BalanceUpdate{Asset: b.Asset, WalletBalance: wb, CrossBalance: cw})
	}
	for _, p := range w.Account.Positions {
		amt, err := parseNum("pa", p.Amount)
		if err != nil {
			return nil, err
		}
		ep, err := parseNum("ep", p.EntryPrice)
		if err != nil {
			return nil, err
		}
		up, err := parseNum("up", p.UnrealizedPnL)
		if err != nil {
			return nil, err
		}
		ev.Positions = append(ev.Positions, domain.PositionUpdate{
			Symbol:        p.Symbol,
			Amount:        amt,
			EntryPrice:    ep,
			UnrealizedPnL: up,
			PositionSide:  p.PositionSide,
		})
	}
	return ev, nil
}

func decodeAccountPosition(raw []byte) (*domain.AccountUpdate, error) {
	var w wireAccountPosition
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return nil, domain.NewParseError("decode account position", err)
	}
	ev := &domain.AccountUpdate{EventTime: w.EventTime, Reason: "outboundAccountPosition"}
	for _, b := range w.Balances {
		free, err := parseNum("f", b.Free)
		if err != nil {
			return nil, err
		}
		locked, err := parseNum("l", b.Locked)
		if err != nil {
			return nil, err
		}
		ev.Balances = append(ev.Balances, domain.BalanceUpdate{Asset: b.Asset, WalletBalance: free.Add(locked)})
	}
	return ev, nil
}

// parseNum parses a decimal string field; an empty field is zero.
func parseNum(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, domain.NewParseError("field "+field, fmt.Errorf("%q: %w", v, err))
	}
	return d, nil
}
