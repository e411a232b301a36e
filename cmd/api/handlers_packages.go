package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"shopexpress/consolidation"
	"shopexpress/parcel"
)

type statusRequest struct {
	Status string `json:"status"`
}

type feesRequest struct {
	ClearanceFee *decimal.Decimal `json:"clearance_fee"`
	StorageFee   *decimal.Decimal `json:"storage_fee"`
	DeliveryFee  *decimal.Decimal `json:"delivery_fee"`
}

type distributeRequest struct {
	PackageIDs      []string        `json:"package_ids"`
	AmountCollected decimal.Decimal `json:"amount_collected"`
	Notes           string          `json:"notes"`
}

type consolidateRequest struct {
	PackageIDs []string `json:"package_ids"`
	CustomerID string   `json:"customer_id"`
	Notes      string   `json:"notes"`
}

func (s *Server) handleMyPackages(w http.ResponseWriter, r *http.Request) {
	actor := currentActor(r)
	res, err := s.packageService.ListForCustomer(r.Context(), actor.UserID, packageFilters(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[packageResponse]{
		Items: mapItems(res.Items, newPackageResponse),
		Total: res.Total,
	})
}

func (s *Server) handleMyConsolidations(w http.ResponseWriter, r *http.Request) {
	actor := currentActor(r)
	filters := consolidation.Filters{Status: parcel.Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		filters.Active = &active
	}
	filters.Page, filters.PageSize = pageParams(r)

	res, err := s.consolidationService.ListForCustomer(r.Context(), actor.UserID, filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[consolidationResponse]{
		Items: mapItems(res.Items, func(sum consolidation.Summary) consolidationResponse {
			out := newConsolidationResponse(sum.ConsolidatedPackage)
			out.Totals = newGroupTotals(sum.Totals)
			return out
		}),
		Total: res.Total,
	})
}

func (s *Server) handlePackageStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.packageService.UpdateStatus(r.Context(), parcel.UpdateStatusParams{
		PackageID: chi.URLParam(r, "id"),
		Status:    parcel.Status(req.Status),
		Source:    parcel.SourceManual,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPackageResponse(p))
}

func (s *Server) handlePackageFees(w http.ResponseWriter, r *http.Request) {
	var req feesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.packageService.UpdateFees(r.Context(), parcel.UpdateFeesParams{
		PackageID:    chi.URLParam(r, "id"),
		ClearanceFee: req.ClearanceFee,
		StorageFee:   req.StorageFee,
		DeliveryFee:  req.DeliveryFee,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPackageResponse(p))
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.packageService.Distribute(r.Context(), parcel.DistributeParams{
		PackageIDs:      req.PackageIDs,
		AmountCollected: req.AmountCollected,
		Notes:           req.Notes,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDistributionResponse(d))
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.consolidationService.Consolidate(r.Context(), consolidation.ConsolidateParams{
		PackageIDs: req.PackageIDs,
		CustomerID: req.CustomerID,
		Notes:      req.Notes,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := newConsolidationResponse(d.ConsolidatedPackage)
	out.Totals = newGroupTotals(d.Totals)
	out.Packages = mapItems(d.Packages, newPackageResponse)
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleConsolidationStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.consolidationService.UpdateStatus(r.Context(), chi.URLParam(r, "id"), parcel.Status(req.Status))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConsolidationResponse(c))
}

func (s *Server) handleUnconsolidate(w http.ResponseWriter, r *http.Request) {
	c, err := s.consolidationService.Unconsolidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newConsolidationResponse(c))
}
