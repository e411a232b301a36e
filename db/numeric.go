package db

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Repositories select NUMERIC columns as ::text and pass decimals as strings
// so values never round-trip through float64.

// Decimal parses a NUMERIC column selected as text.
func Decimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("db: parse numeric %q: %w", s, err)
	}
	return d, nil
}

// NullDecimal parses a nullable NUMERIC column selected as text.
func NullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := Decimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// NullString renders an optional decimal as a query argument.
func NullString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
