package rate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateNotFound signals that no bracket covers the measured package.
	ErrRateNotFound = errors.New("rate: no matching rate")
	// ErrNotFound signals the rate record does not exist.
	ErrNotFound = errors.New("rate: not found")
	// ErrInvalidRate signals a bracket with missing or inconsistent bounds.
	ErrInvalidRate = errors.New("rate: invalid rate")
	// ErrInvalidMeasure signals a non-positive weight or volume.
	ErrInvalidMeasure = errors.New("rate: measure must be positive")
	// ErrDuplicateBracket signals an air bracket with an existing weight.
	ErrDuplicateBracket = errors.New("rate: bracket already exists")
)

// NotFoundError names the measure that could not be priced.
type NotFoundError struct {
	Type    Type
	Measure decimal.Decimal
}

func (e *NotFoundError) Error() string {
	if e.Type == TypeAir {
		return fmt.Sprintf("No air rate found for weight %s lbs", e.Measure.String())
	}
	return fmt.Sprintf("No sea rate found for %s cubic feet", e.Measure.StringFixed(3))
}

func (e *NotFoundError) Unwrap() error {
	return ErrRateNotFound
}
