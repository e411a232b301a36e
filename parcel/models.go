// Package parcel manages customer packages on manifests: pricing, fees,
// status changes and distribution to the customer.
package parcel

import (
	"time"

	"github.com/shopspring/decimal"
)

type Package struct {
	ID                    string
	ManifestID            string
	OfficeID              *string
	ShipperID             *string
	UserID                string
	TrackingNumber        string
	WarehouseReceiptNo    string
	Description           string
	Weight                decimal.Decimal
	Length                decimal.Decimal
	Width                 decimal.Decimal
	Height                decimal.Decimal
	CubicFeet             decimal.Decimal
	EstimatedValue        decimal.Decimal
	Status                Status
	FreightPrice          decimal.Decimal
	ClearanceFee          decimal.Decimal
	StorageFee            decimal.Decimal
	DeliveryFee           decimal.Decimal
	ConsolidatedPackageID *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Consolidated reports whether the package belongs to an active group.
func (p Package) Consolidated() bool {
	return p.ConsolidatedPackageID != nil && *p.ConsolidatedPackageID != ""
}

// Charges is freight plus clearance, storage and delivery fees.
func (p Package) Charges() decimal.Decimal {
	return p.FreightPrice.Add(p.ClearanceFee).Add(p.StorageFee).Add(p.DeliveryFee)
}

func (p Package) AuditType() string { return "package" }
func (p Package) AuditID() string   { return p.ID }

func (p Package) AuditFields() map[string]any {
	consolidated := ""
	if p.ConsolidatedPackageID != nil {
		consolidated = *p.ConsolidatedPackageID
	}
	return map[string]any{
		"manifest_id":             p.ManifestID,
		"user_id":                 p.UserID,
		"tracking_number":         p.TrackingNumber,
		"warehouse_receipt_no":    p.WarehouseReceiptNo,
		"description":             p.Description,
		"weight":                  p.Weight.String(),
		"cubic_feet":              p.CubicFeet.StringFixed(3),
		"estimated_value":         p.EstimatedValue.StringFixed(2),
		"status":                  string(p.Status),
		"freight_price":           p.FreightPrice.StringFixed(2),
		"clearance_fee":           p.ClearanceFee.StringFixed(2),
		"storage_fee":             p.StorageFee.StringFixed(2),
		"delivery_fee":            p.DeliveryFee.StringFixed(2),
		"consolidated_package_id": consolidated,
	}
}

// Fees are the charges an admin may edit while the manifest is open.
type Fees struct {
	ClearanceFee decimal.Decimal
	StorageFee   decimal.Decimal
	DeliveryFee  decimal.Decimal
}

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPartial PaymentStatus = "partial"
	PaymentUnpaid  PaymentStatus = "unpaid"
)

// Distribution records ready packages handed over to their owner.
type Distribution struct {
	ID              string
	ReceiptNumber   string
	CustomerID      string
	DistributedBy   *string
	TotalAmount     decimal.Decimal
	AmountCollected decimal.Decimal
	PaymentStatus   PaymentStatus
	PackageIDs      []string
	DistributedAt   time.Time
}

type Filters struct {
	ManifestID            string
	UserID                string
	ConsolidatedPackageID string
	Status                Status
	Search                string
	Page                  int
	PageSize              int
	SortKey               string
	SortOrder             string
}
