package rate

import (
	"context"

	"github.com/shopspring/decimal"

	"shopexpress/metrics"
)

var cubicInchesPerFoot = decimal.NewFromInt(1728)

// BracketSource returns the ordered brackets of one type.
type BracketSource interface {
	List(ctx context.Context, t Type) ([]Rate, error)
}

// Calculator prices one package measure.
type Calculator interface {
	Calculate(ctx context.Context, measure, exchangeRate decimal.Decimal) (Quote, error)
}

// AirCalculator prices by weight in pounds.
type AirCalculator struct {
	source BracketSource
}

func NewAirCalculator(source BracketSource) *AirCalculator {
	return &AirCalculator{source: source}
}

// Calculate rounds weight up to the next whole pound and picks the smallest
// bracket whose weight covers it.
func (c *AirCalculator) Calculate(ctx context.Context, weight, exchangeRate decimal.Decimal) (Quote, error) {
	if !weight.IsPositive() {
		return Quote{}, ErrInvalidMeasure
	}
	rounded := weight.Ceil()

	brackets, err := c.source.List(ctx, TypeAir)
	if err != nil {
		return Quote{}, err
	}

	var match *Rate
	for i := range brackets {
		b := brackets[i]
		if b.Weight == nil || b.Weight.LessThan(rounded) {
			continue
		}
		if match == nil || b.Weight.LessThan(*match.Weight) {
			match = &brackets[i]
		}
	}
	if match == nil {
		metrics.RateNotFoundTotal.WithLabelValues(string(TypeAir)).Inc()
		return Quote{}, &NotFoundError{Type: TypeAir, Measure: rounded}
	}
	return quote(*match, rounded, exchangeRate), nil
}

// SeaCalculator prices by volume in cubic feet.
type SeaCalculator struct {
	source BracketSource
}

func NewSeaCalculator(source BracketSource) *SeaCalculator {
	return &SeaCalculator{source: source}
}

// Calculate picks the first bracket with min <= cubicFeet <= max.
func (c *SeaCalculator) Calculate(ctx context.Context, cubicFeet, exchangeRate decimal.Decimal) (Quote, error) {
	if !cubicFeet.IsPositive() {
		return Quote{}, ErrInvalidMeasure
	}

	brackets, err := c.source.List(ctx, TypeSea)
	if err != nil {
		return Quote{}, err
	}

	for _, b := range brackets {
		if b.MinCubicFeet == nil || b.MaxCubicFeet == nil {
			continue
		}
		if cubicFeet.GreaterThanOrEqual(*b.MinCubicFeet) && cubicFeet.LessThanOrEqual(*b.MaxCubicFeet) {
			return quote(b, cubicFeet, exchangeRate), nil
		}
	}
	metrics.RateNotFoundTotal.WithLabelValues(string(TypeSea)).Inc()
	return Quote{}, &NotFoundError{Type: TypeSea, Measure: cubicFeet}
}

// CubicFeet converts inch dimensions to cubic feet, three decimals.
func CubicFeet(length, width, height decimal.Decimal) decimal.Decimal {
	return length.Mul(width).Mul(height).Div(cubicInchesPerFoot).Round(3)
}

func quote(b Rate, measure, exchangeRate decimal.Decimal) Quote {
	if !exchangeRate.IsPositive() {
		exchangeRate = decimal.NewFromInt(1)
	}
	return Quote{
		Rate:          b,
		Measure:       measure,
		ExchangeRate:  exchangeRate,
		Price:         b.Price,
		ProcessingFee: b.ProcessingFee,
		Total:         b.Price.Add(b.ProcessingFee).Mul(exchangeRate).Round(2),
	}
}
