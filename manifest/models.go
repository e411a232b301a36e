// Package manifest manages sea and air manifests and the open/closed gate
// that every package mutation passes through.
package manifest

import (
	"time"

	"github.com/shopspring/decimal"

	"shopexpress/rate"
)

type Type string

const (
	TypeSea Type = "sea"
	TypeAir Type = "air"
)

func (t Type) Valid() bool {
	return t == TypeSea || t == TypeAir
}

// RateType maps a manifest type to its rate bracket type.
func (t Type) RateType() rate.Type {
	return rate.Type(t)
}

type Manifest struct {
	ID                string
	Name              string
	Type              Type
	ShipmentDate      time.Time
	ReservationNumber string
	FlightNumber      string
	FlightDestination string
	VesselName        string
	VoyageNumber      string
	DeparturePort     string
	ArrivalPort       string
	ExchangeRate      decimal.Decimal
	IsOpen            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (m Manifest) AuditType() string { return "manifest" }
func (m Manifest) AuditID() string   { return m.ID }

func (m Manifest) AuditFields() map[string]any {
	return map[string]any{
		"name":               m.Name,
		"type":               string(m.Type),
		"shipment_date":      m.ShipmentDate.Format("2006-01-02"),
		"reservation_number": m.ReservationNumber,
		"flight_number":      m.FlightNumber,
		"flight_destination": m.FlightDestination,
		"vessel_name":        m.VesselName,
		"voyage_number":      m.VoyageNumber,
		"departure_port":     m.DeparturePort,
		"arrival_port":       m.ArrivalPort,
		"exchange_rate":      m.ExchangeRate.String(),
		"is_open":            m.IsOpen,
	}
}

// Totals aggregates the packages of one manifest.
type Totals struct {
	PackageCount   int
	DeliveredCount int
	Weight         decimal.Decimal
	CubicFeet      decimal.Decimal
	Freight        decimal.Decimal
	ClearanceFees  decimal.Decimal
	StorageFees    decimal.Decimal
	DeliveryFees   decimal.Decimal
}

// Charges is freight plus all fees.
func (t Totals) Charges() decimal.Decimal {
	return t.Freight.Add(t.ClearanceFees).Add(t.StorageFees).Add(t.DeliveryFees)
}

type Filters struct {
	Type      Type
	Open      *bool
	Search    string
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}
