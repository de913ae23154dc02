package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindTransport        ErrorKind = "transport"
	KindSessionFailed    ErrorKind = "session_failed"
	KindParse            ErrorKind = "parse"
	KindValidation       ErrorKind = "validation"
	KindStateConflict    ErrorKind = "state_conflict"
	KindExchangeRejected ErrorKind = "exchange_rejected"
	KindPersistence      ErrorKind = "persistence"
)

// Error carries a failure kind so callers can tell a dropped connection from a
// rejected order or a broken ledger.
type Error struct {
	Kind ErrorKind
	Op   string
	Code int64
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Code != 0 {
		msg = fmt.Sprintf("code %d: %s", e.Code, msg)
	}
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrAlreadyPositioned = &Error{Kind: KindStateConflict, Msg: "position already open"}
	ErrNoPosition        = &Error{Kind: KindStateConflict, Msg: "no open position"}
	ErrTradingDisabled   = &Error{Kind: KindStateConflict, Msg: "trading disabled after consecutive losses"}
	ErrQuantityTooSmall  = &Error{Kind: KindValidation, Msg: "quantity below instrument minimum"}
	ErrSessionFailed     = &Error{Kind: KindSessionFailed, Msg: "reconnect attempts exhausted"}
)

func NewTransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func NewParseError(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

func NewValidationError(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func NewExchangeRejected(op string, code int64, msg string) error {
	return &Error{Kind: KindExchangeRejected, Op: op, Code: code, Msg: msg}
}

func NewPersistenceError(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
