// Package consolidation groups several packages of one customer so they move
// through the lifecycle together.
package consolidation

import (
	"time"

	"github.com/shopspring/decimal"

	"shopexpress/parcel"
)

type ConsolidatedPackage struct {
	ID               string
	TrackingNumber   string
	CustomerID       string
	CreatedBy        *string
	Status           parcel.Status
	Notes            string
	IsActive         bool
	ConsolidatedAt   time.Time
	UnconsolidatedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (c ConsolidatedPackage) AuditType() string { return "consolidated_package" }
func (c ConsolidatedPackage) AuditID() string   { return c.ID }

func (c ConsolidatedPackage) AuditFields() map[string]any {
	fields := map[string]any{
		"consolidated_tracking_number": c.TrackingNumber,
		"customer_id":                  c.CustomerID,
		"status":                       string(c.Status),
		"notes":                        c.Notes,
		"is_active":                    c.IsActive,
	}
	if c.UnconsolidatedAt != nil {
		fields["unconsolidated_at"] = c.UnconsolidatedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

// Totals are aggregated from the member packages on read.
type Totals struct {
	Quantity      int
	Weight        decimal.Decimal
	Freight       decimal.Decimal
	ClearanceFees decimal.Decimal
	StorageFees   decimal.Decimal
	DeliveryFees  decimal.Decimal
}

func (t Totals) Charges() decimal.Decimal {
	return t.Freight.Add(t.ClearanceFees).Add(t.StorageFees).Add(t.DeliveryFees)
}

// TotalsOf sums the given packages.
func TotalsOf(pkgs []parcel.Package) Totals {
	t := Totals{}
	for _, p := range pkgs {
		t.Quantity++
		t.Weight = t.Weight.Add(p.Weight)
		t.Freight = t.Freight.Add(p.FreightPrice)
		t.ClearanceFees = t.ClearanceFees.Add(p.ClearanceFee)
		t.StorageFees = t.StorageFees.Add(p.StorageFee)
		t.DeliveryFees = t.DeliveryFees.Add(p.DeliveryFee)
	}
	return t
}

// Summary is a group with its totals, as listed for a customer.
type Summary struct {
	ConsolidatedPackage
	Totals Totals
}

// Detail is a group with its members.
type Detail struct {
	ConsolidatedPackage
	Packages []parcel.Package
	Totals   Totals
}

type Filters struct {
	CustomerID string
	Active     *bool
	Status     parcel.Status
	Page       int
	PageSize   int
}
