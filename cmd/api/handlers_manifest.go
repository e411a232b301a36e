package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"shopexpress/manifest"
	"shopexpress/parcel"
)

type manifestRequest struct {
	Name              *string          `json:"name"`
	Type              string           `json:"type"`
	ShipmentDate      *string          `json:"shipment_date"`
	ReservationNumber *string          `json:"reservation_number"`
	FlightNumber      *string          `json:"flight_number"`
	FlightDestination *string          `json:"flight_destination"`
	VesselName        *string          `json:"vessel_name"`
	VoyageNumber      *string          `json:"voyage_number"`
	DeparturePort     *string          `json:"departure_port"`
	ArrivalPort       *string          `json:"arrival_port"`
	ExchangeRate      *decimal.Decimal `json:"exchange_rate"`
}

type unlockRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := manifest.Filters{
		Type:      manifest.Type(q.Get("type")),
		Search:    q.Get("search"),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "open must be true or false")
			return
		}
		filters.Open = &open
	}
	filters.Page, filters.PageSize = pageParams(r)

	res, err := s.manifestService.List(r.Context(), filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[manifestResponse]{
		Items: mapItems(res.Items, newManifestResponse),
		Total: res.Total,
	})
}

func (s *Server) handleCreateManifest(w http.ResponseWriter, r *http.Request) {
	var req manifestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params := manifest.CreateParams{
		Name:              deref(req.Name),
		Type:              manifest.Type(req.Type),
		ReservationNumber: deref(req.ReservationNumber),
		FlightNumber:      deref(req.FlightNumber),
		FlightDestination: deref(req.FlightDestination),
		VesselName:        deref(req.VesselName),
		VoyageNumber:      deref(req.VoyageNumber),
		DeparturePort:     deref(req.DeparturePort),
		ArrivalPort:       deref(req.ArrivalPort),
	}
	if req.ExchangeRate != nil {
		params.ExchangeRate = *req.ExchangeRate
	}
	if req.ShipmentDate != nil {
		d, err := time.Parse(time.DateOnly, *req.ShipmentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "shipment_date must be YYYY-MM-DD")
			return
		}
		params.ShipmentDate = d
	}

	m, err := s.manifestService.Create(r.Context(), params)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newManifestResponse(m))
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.manifestService.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	totals, err := s.manifestService.Totals(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manifestDetailResponse{
		manifestResponse: newManifestResponse(m),
		Totals:           newTotalsResponse(totals),
	})
}

func (s *Server) handleUpdateManifest(w http.ResponseWriter, r *http.Request) {
	var req manifestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type != "" {
		writeError(w, http.StatusBadRequest, "manifest type cannot be changed")
		return
	}
	params := manifest.UpdateParams{
		Name:              req.Name,
		ReservationNumber: req.ReservationNumber,
		FlightNumber:      req.FlightNumber,
		FlightDestination: req.FlightDestination,
		VesselName:        req.VesselName,
		VoyageNumber:      req.VoyageNumber,
		DeparturePort:     req.DeparturePort,
		ArrivalPort:       req.ArrivalPort,
		ExchangeRate:      req.ExchangeRate,
	}
	if req.ShipmentDate != nil {
		d, err := time.Parse(time.DateOnly, *req.ShipmentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "shipment_date must be YYYY-MM-DD")
			return
		}
		params.ShipmentDate = &d
	}

	m, err := s.manifestService.Update(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newManifestResponse(m))
}

func (s *Server) handleCloseManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.manifestService.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newManifestResponse(m))
}

func (s *Server) handleUnlockManifest(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := s.manifestService.Unlock(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newManifestResponse(m))
}

func (s *Server) handleManifestHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.manifestService.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[auditEntryResponse]{
		Items: mapItems(entries, newAuditEntryResponse),
		Total: len(entries),
	})
}

type createPackageRequest struct {
	UserID             string          `json:"user_id"`
	OfficeID           *string         `json:"office_id"`
	ShipperID          *string         `json:"shipper_id"`
	TrackingNumber     string          `json:"tracking_number"`
	WarehouseReceiptNo string          `json:"warehouse_receipt_no"`
	Description        string          `json:"description"`
	Weight             decimal.Decimal `json:"weight"`
	Length             decimal.Decimal `json:"length"`
	Width              decimal.Decimal `json:"width"`
	Height             decimal.Decimal `json:"height"`
	EstimatedValue     decimal.Decimal `json:"estimated_value"`
	ClearanceFee       decimal.Decimal `json:"clearance_fee"`
	StorageFee         decimal.Decimal `json:"storage_fee"`
	DeliveryFee        decimal.Decimal `json:"delivery_fee"`
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req createPackageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.packageService.Create(r.Context(), parcel.CreateParams{
		ManifestID:         chi.URLParam(r, "id"),
		UserID:             req.UserID,
		OfficeID:           req.OfficeID,
		ShipperID:          req.ShipperID,
		TrackingNumber:     strings.TrimSpace(req.TrackingNumber),
		WarehouseReceiptNo: req.WarehouseReceiptNo,
		Description:        req.Description,
		Weight:             req.Weight,
		Length:             req.Length,
		Width:              req.Width,
		Height:             req.Height,
		EstimatedValue:     req.EstimatedValue,
		ClearanceFee:       req.ClearanceFee,
		StorageFee:         req.StorageFee,
		DeliveryFee:        req.DeliveryFee,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPackageResponse(p))
}

func (s *Server) handleManifestPackages(w http.ResponseWriter, r *http.Request) {
	filters := packageFilters(r)
	res, err := s.packageService.ListForManifest(r.Context(), chi.URLParam(r, "id"), filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[packageResponse]{
		Items: mapItems(res.Items, newPackageResponse),
		Total: res.Total,
	})
}

func packageFilters(r *http.Request) parcel.Filters {
	q := r.URL.Query()
	f := parcel.Filters{
		Status:    parcel.Status(q.Get("status")),
		Search:    q.Get("search"),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	f.Page, f.PageSize = pageParams(r)
	return f
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
