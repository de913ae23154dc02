package domain

import "github.com/shopspring/decimal"

// Instrument holds the exchange trading rules for a symbol.
type Instrument struct {
	Symbol   string          `json:"symbol"`
	MinQty   decimal.Decimal `json:"min_qty"`
	StepSize decimal.Decimal `json:"step_size"`
	TickSize decimal.Decimal `json:"tick_size"`
}
