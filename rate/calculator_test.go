package rate

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

type staticSource map[Type][]Rate

func (s staticSource) List(ctx context.Context, t Type) ([]Rate, error) {
	return s[t], nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func airBrackets() staticSource {
	return staticSource{TypeAir: {
		{ID: "a5", Type: TypeAir, Weight: decp("5"), Price: dec("10.00"), ProcessingFee: dec("2.00")},
		{ID: "a10", Type: TypeAir, Weight: decp("10"), Price: dec("18.00"), ProcessingFee: dec("2.00")},
		{ID: "a20", Type: TypeAir, Weight: decp("20"), Price: dec("30.00"), ProcessingFee: dec("3.50")},
	}}
}

func TestAirCalculator_RoundsWeightUp(t *testing.T) {
	calc := NewAirCalculator(airBrackets())

	cases := []struct {
		weight string
		rateID string
		total  string
	}{
		{"0.4", "a5", "12.00"},
		{"5", "a5", "12.00"},
		{"5.01", "a10", "20.00"},
		{"9.99", "a10", "20.00"},
		{"19.2", "a20", "33.50"},
	}
	for _, tc := range cases {
		q, err := calc.Calculate(context.Background(), dec(tc.weight), dec("1"))
		if err != nil {
			t.Fatalf("weight %s: unexpected error %v", tc.weight, err)
		}
		if q.Rate.ID != tc.rateID {
			t.Fatalf("weight %s: expected bracket %s got %s", tc.weight, tc.rateID, q.Rate.ID)
		}
		if !q.Total.Equal(dec(tc.total)) {
			t.Fatalf("weight %s: expected total %s got %s", tc.weight, tc.total, q.Total)
		}
	}
}

func TestAirCalculator_RateNotFound(t *testing.T) {
	calc := NewAirCalculator(airBrackets())

	_, err := calc.Calculate(context.Background(), dec("20.5"), dec("1"))
	if !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError got %T", err)
	}
	if got := err.Error(); got != "No air rate found for weight 21 lbs" {
		t.Fatalf("unexpected message %q", got)
	}

	if _, err := NewAirCalculator(staticSource{}).Calculate(context.Background(), dec("1"), dec("1")); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("empty table: expected ErrRateNotFound got %v", err)
	}
}

func TestAirCalculator_ExchangeRate(t *testing.T) {
	calc := NewAirCalculator(airBrackets())

	q, err := calc.Calculate(context.Background(), dec("3"), dec("157.255"))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	// (10 + 2) * 157.255 = 1887.06
	if !q.Total.Equal(dec("1887.06")) {
		t.Fatalf("expected 1887.06 got %s", q.Total)
	}

	q, err = calc.Calculate(context.Background(), dec("3"), dec("0"))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if !q.Total.Equal(dec("12")) {
		t.Fatalf("zero exchange rate must act as 1, got %s", q.Total)
	}
}

func TestAirCalculator_RejectsNonPositiveWeight(t *testing.T) {
	calc := NewAirCalculator(airBrackets())
	if _, err := calc.Calculate(context.Background(), dec("0"), dec("1")); !errors.Is(err, ErrInvalidMeasure) {
		t.Fatalf("expected ErrInvalidMeasure got %v", err)
	}
}

func TestSeaCalculator_InclusiveBounds(t *testing.T) {
	src := staticSource{TypeSea: {
		{ID: "s1", Type: TypeSea, MinCubicFeet: decp("0"), MaxCubicFeet: decp("5"), Price: dec("40"), ProcessingFee: dec("5")},
		{ID: "s2", Type: TypeSea, MinCubicFeet: decp("5.001"), MaxCubicFeet: decp("10"), Price: dec("70"), ProcessingFee: dec("5")},
	}}
	calc := NewSeaCalculator(src)

	cases := []struct {
		cf     string
		rateID string
	}{
		{"0.5", "s1"},
		{"5", "s1"},
		{"5.001", "s2"},
		{"10", "s2"},
	}
	for _, tc := range cases {
		q, err := calc.Calculate(context.Background(), dec(tc.cf), dec("1"))
		if err != nil {
			t.Fatalf("cf %s: unexpected error %v", tc.cf, err)
		}
		if q.Rate.ID != tc.rateID {
			t.Fatalf("cf %s: expected %s got %s", tc.cf, tc.rateID, q.Rate.ID)
		}
	}

	_, err := calc.Calculate(context.Background(), dec("10.5"), dec("1"))
	if !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound got %v", err)
	}
	if got := err.Error(); got != "No sea rate found for 10.500 cubic feet" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestCubicFeet(t *testing.T) {
	got := CubicFeet(dec("12"), dec("12"), dec("12"))
	if !got.Equal(dec("1")) {
		t.Fatalf("expected 1 got %s", got)
	}
	got = CubicFeet(dec("10"), dec("10"), dec("10"))
	if !got.Equal(dec("0.579")) {
		t.Fatalf("expected 0.579 got %s", got)
	}
}
