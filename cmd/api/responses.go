package main

import (
	"time"

	"github.com/shopspring/decimal"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/broadcast"
	"shopexpress/consolidation"
	"shopexpress/manifest"
	"shopexpress/parcel"
	"shopexpress/rate"
)

type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Role          string `json:"role"`
	AccountNumber string `json:"account_number"`
	CreatedAt     string `json:"created_at"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Role:          string(u.Role),
		AccountNumber: u.AccountNumber,
		CreatedAt:     u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      userResponse `json:"user"`
}

type manifestResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	ShipmentDate      string `json:"shipment_date"`
	ReservationNumber string `json:"reservation_number,omitempty"`
	FlightNumber      string `json:"flight_number,omitempty"`
	FlightDestination string `json:"flight_destination,omitempty"`
	VesselName        string `json:"vessel_name,omitempty"`
	VoyageNumber      string `json:"voyage_number,omitempty"`
	DeparturePort     string `json:"departure_port,omitempty"`
	ArrivalPort       string `json:"arrival_port,omitempty"`
	ExchangeRate      string `json:"exchange_rate"`
	IsOpen            bool   `json:"is_open"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func newManifestResponse(m manifest.Manifest) manifestResponse {
	return manifestResponse{
		ID:                m.ID,
		Name:              m.Name,
		Type:              string(m.Type),
		ShipmentDate:      m.ShipmentDate.Format(time.DateOnly),
		ReservationNumber: m.ReservationNumber,
		FlightNumber:      m.FlightNumber,
		FlightDestination: m.FlightDestination,
		VesselName:        m.VesselName,
		VoyageNumber:      m.VoyageNumber,
		DeparturePort:     m.DeparturePort,
		ArrivalPort:       m.ArrivalPort,
		ExchangeRate:      m.ExchangeRate.String(),
		IsOpen:            m.IsOpen,
		CreatedAt:         m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type totalsResponse struct {
	PackageCount   int    `json:"package_count"`
	DeliveredCount int    `json:"delivered_count"`
	Weight         string `json:"weight"`
	CubicFeet      string `json:"cubic_feet"`
	Freight        string `json:"freight"`
	ClearanceFees  string `json:"clearance_fees"`
	StorageFees    string `json:"storage_fees"`
	DeliveryFees   string `json:"delivery_fees"`
	Charges        string `json:"charges"`
}

type manifestDetailResponse struct {
	manifestResponse
	Totals totalsResponse `json:"totals"`
}

func newTotalsResponse(t manifest.Totals) totalsResponse {
	return totalsResponse{
		PackageCount:   t.PackageCount,
		DeliveredCount: t.DeliveredCount,
		Weight:         t.Weight.String(),
		CubicFeet:      t.CubicFeet.StringFixed(3),
		Freight:        money(t.Freight),
		ClearanceFees:  money(t.ClearanceFees),
		StorageFees:    money(t.StorageFees),
		DeliveryFees:   money(t.DeliveryFees),
		Charges:        money(t.Charges()),
	}
}

type packageResponse struct {
	ID                    string  `json:"id"`
	ManifestID            string  `json:"manifest_id"`
	UserID                string  `json:"user_id"`
	TrackingNumber        string  `json:"tracking_number"`
	WarehouseReceiptNo    string  `json:"warehouse_receipt_no,omitempty"`
	Description           string  `json:"description,omitempty"`
	Weight                string  `json:"weight"`
	CubicFeet             string  `json:"cubic_feet"`
	EstimatedValue        string  `json:"estimated_value"`
	Status                string  `json:"status"`
	StatusLabel           string  `json:"status_label"`
	FreightPrice          string  `json:"freight_price"`
	ClearanceFee          string  `json:"clearance_fee"`
	StorageFee            string  `json:"storage_fee"`
	DeliveryFee           string  `json:"delivery_fee"`
	TotalCharges          string  `json:"total_charges"`
	ConsolidatedPackageID *string `json:"consolidated_package_id"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
}

func newPackageResponse(p parcel.Package) packageResponse {
	return packageResponse{
		ID:                    p.ID,
		ManifestID:            p.ManifestID,
		UserID:                p.UserID,
		TrackingNumber:        p.TrackingNumber,
		WarehouseReceiptNo:    p.WarehouseReceiptNo,
		Description:           p.Description,
		Weight:                p.Weight.String(),
		CubicFeet:             p.CubicFeet.StringFixed(3),
		EstimatedValue:        money(p.EstimatedValue),
		Status:                string(p.Status),
		StatusLabel:           p.Status.Label(),
		FreightPrice:          money(p.FreightPrice),
		ClearanceFee:          money(p.ClearanceFee),
		StorageFee:            money(p.StorageFee),
		DeliveryFee:           money(p.DeliveryFee),
		TotalCharges:          money(p.Charges()),
		ConsolidatedPackageID: p.ConsolidatedPackageID,
		CreatedAt:             p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:             p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type distributionResponse struct {
	ID              string   `json:"id"`
	ReceiptNumber   string   `json:"receipt_number"`
	CustomerID      string   `json:"customer_id"`
	TotalAmount     string   `json:"total_amount"`
	AmountCollected string   `json:"amount_collected"`
	PaymentStatus   string   `json:"payment_status"`
	PackageIDs      []string `json:"package_ids"`
	DistributedAt   string   `json:"distributed_at"`
}

func newDistributionResponse(d parcel.Distribution) distributionResponse {
	return distributionResponse{
		ID:              d.ID,
		ReceiptNumber:   d.ReceiptNumber,
		CustomerID:      d.CustomerID,
		TotalAmount:     money(d.TotalAmount),
		AmountCollected: money(d.AmountCollected),
		PaymentStatus:   string(d.PaymentStatus),
		PackageIDs:      d.PackageIDs,
		DistributedAt:   d.DistributedAt.UTC().Format(time.RFC3339),
	}
}

type consolidationResponse struct {
	ID             string            `json:"id"`
	TrackingNumber string            `json:"tracking_number"`
	CustomerID     string            `json:"customer_id"`
	Status         string            `json:"status"`
	StatusLabel    string            `json:"status_label"`
	Notes          string            `json:"notes,omitempty"`
	IsActive       bool              `json:"is_active"`
	ConsolidatedAt string            `json:"consolidated_at"`
	Totals         *groupTotals      `json:"totals,omitempty"`
	Packages       []packageResponse `json:"packages,omitempty"`
}

type groupTotals struct {
	Quantity int    `json:"quantity"`
	Weight   string `json:"weight"`
	Freight  string `json:"freight"`
	Charges  string `json:"charges"`
}

func newConsolidationResponse(c consolidation.ConsolidatedPackage) consolidationResponse {
	return consolidationResponse{
		ID:             c.ID,
		TrackingNumber: c.TrackingNumber,
		CustomerID:     c.CustomerID,
		Status:         string(c.Status),
		StatusLabel:    c.Status.Label(),
		Notes:          c.Notes,
		IsActive:       c.IsActive,
		ConsolidatedAt: c.ConsolidatedAt.UTC().Format(time.RFC3339),
	}
}

func newGroupTotals(t consolidation.Totals) *groupTotals {
	return &groupTotals{
		Quantity: t.Quantity,
		Weight:   t.Weight.String(),
		Freight:  money(t.Freight),
		Charges:  money(t.Charges()),
	}
}

type rateResponse struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	Weight        *string `json:"weight"`
	MinCubicFeet  *string `json:"min_cubic_feet"`
	MaxCubicFeet  *string `json:"max_cubic_feet"`
	Price         string  `json:"price"`
	ProcessingFee string  `json:"processing_fee"`
}

func newRateResponse(r rate.Rate) rateResponse {
	return rateResponse{
		ID:            r.ID,
		Type:          string(r.Type),
		Weight:        optDecimal(r.Weight),
		MinCubicFeet:  optDecimal(r.MinCubicFeet),
		MaxCubicFeet:  optDecimal(r.MaxCubicFeet),
		Price:         money(r.Price),
		ProcessingFee: money(r.ProcessingFee),
	}
}

type quoteResponse struct {
	RateID        string `json:"rate_id"`
	Measure       string `json:"measure"`
	ExchangeRate  string `json:"exchange_rate"`
	Price         string `json:"price"`
	ProcessingFee string `json:"processing_fee"`
	Total         string `json:"total"`
}

type broadcastResponse struct {
	ID            string   `json:"id"`
	Subject       string   `json:"subject"`
	Content       string   `json:"content"`
	RecipientType string   `json:"recipient_type"`
	RecipientIDs  []string `json:"recipient_ids"`
	Status        string   `json:"status"`
	ScheduledAt   *string  `json:"scheduled_at"`
	SentAt        *string  `json:"sent_at"`
	CreatedAt     string   `json:"created_at"`
}

func newBroadcastResponse(m broadcast.Message) broadcastResponse {
	ids := m.RecipientIDs
	if ids == nil {
		ids = []string{}
	}
	return broadcastResponse{
		ID:            m.ID,
		Subject:       m.Subject,
		Content:       m.Content,
		RecipientType: string(m.RecipientType),
		RecipientIDs:  ids,
		Status:        string(m.Status),
		ScheduledAt:   optTime(m.ScheduledAt),
		SentAt:        optTime(m.SentAt),
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type auditEntryResponse struct {
	ID             int64          `json:"id"`
	EventType      string         `json:"event_type"`
	AuditableType  string         `json:"auditable_type,omitempty"`
	AuditableID    string         `json:"auditable_id,omitempty"`
	Action         string         `json:"action"`
	UserID         *string        `json:"user_id"`
	OldValues      map[string]any `json:"old_values,omitempty"`
	NewValues      map[string]any `json:"new_values,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	URL            string         `json:"url,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

func newAuditEntryResponse(e audit.Entry) auditEntryResponse {
	return auditEntryResponse{
		ID:             e.ID,
		EventType:      string(e.EventType),
		AuditableType:  e.AuditableType,
		AuditableID:    e.AuditableID,
		Action:         e.Action,
		UserID:         e.UserID,
		OldValues:      e.OldValues,
		NewValues:      e.NewValues,
		AdditionalData: e.AdditionalData,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		URL:            e.URL,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func optDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
