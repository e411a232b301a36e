// Package rate stores freight rate brackets and prices packages against them.
package rate

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type matches the manifest type a bracket applies to.
type Type string

const (
	TypeSea Type = "sea"
	TypeAir Type = "air"
)

func (t Type) Valid() bool {
	return t == TypeSea || t == TypeAir
}

// Rate is one pricing bracket. Air brackets use Weight as their upper bound
// in pounds; sea brackets cover MinCubicFeet..MaxCubicFeet inclusive.
type Rate struct {
	ID            string
	Type          Type
	Weight        *decimal.Decimal
	MinCubicFeet  *decimal.Decimal
	MaxCubicFeet  *decimal.Decimal
	Price         decimal.Decimal
	ProcessingFee decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r Rate) AuditType() string { return "rate" }
func (r Rate) AuditID() string   { return r.ID }

func (r Rate) AuditFields() map[string]any {
	return map[string]any{
		"type":           string(r.Type),
		"weight":         decString(r.Weight),
		"min_cubic_feet": decString(r.MinCubicFeet),
		"max_cubic_feet": decString(r.MaxCubicFeet),
		"price":          r.Price.StringFixed(2),
		"processing_fee": r.ProcessingFee.StringFixed(2),
	}
}

// Params are the writable fields of a rate.
type Params struct {
	Type          Type
	Weight        *decimal.Decimal
	MinCubicFeet  *decimal.Decimal
	MaxCubicFeet  *decimal.Decimal
	Price         decimal.Decimal
	ProcessingFee decimal.Decimal
}

// Quote is the result of pricing one package.
type Quote struct {
	Rate          Rate
	Measure       decimal.Decimal
	ExchangeRate  decimal.Decimal
	Price         decimal.Decimal
	ProcessingFee decimal.Decimal
	Total         decimal.Decimal
}

func decString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
