package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"shopexpress/audit"
	"shopexpress/backup"
	"shopexpress/broadcast"
	"shopexpress/rate"
)

type rateRequest struct {
	Type          string           `json:"type"`
	Weight        *decimal.Decimal `json:"weight"`
	MinCubicFeet  *decimal.Decimal `json:"min_cubic_feet"`
	MaxCubicFeet  *decimal.Decimal `json:"max_cubic_feet"`
	Price         decimal.Decimal  `json:"price"`
	ProcessingFee decimal.Decimal  `json:"processing_fee"`
}

func (req rateRequest) params() rate.Params {
	return rate.Params{
		Type:          rate.Type(req.Type),
		Weight:        req.Weight,
		MinCubicFeet:  req.MinCubicFeet,
		MaxCubicFeet:  req.MaxCubicFeet,
		Price:         req.Price,
		ProcessingFee: req.ProcessingFee,
	}
}

type quoteRequest struct {
	Type         string           `json:"type"`
	Measure      decimal.Decimal  `json:"measure"`
	ExchangeRate *decimal.Decimal `json:"exchange_rate"`
}

func (s *Server) handleListRates(w http.ResponseWriter, r *http.Request) {
	types := []rate.Type{rate.TypeAir, rate.TypeSea}
	if t := r.URL.Query().Get("type"); t != "" {
		types = []rate.Type{rate.Type(t)}
	}
	out := []rateResponse{}
	for _, t := range types {
		rates, err := s.rateService.List(r.Context(), t)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		out = append(out, mapItems(rates, newRateResponse)...)
	}
	writeJSON(w, http.StatusOK, listResponse[rateResponse]{Items: out, Total: len(out)})
}

func (s *Server) handleCreateRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := s.rateService.Create(r.Context(), req.params())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRateResponse(created))
}

func (s *Server) handleUpdateRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.rateService.Update(r.Context(), chi.URLParam(r, "id"), req.params())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRateResponse(updated))
}

func (s *Server) handleDeleteRate(w http.ResponseWriter, r *http.Request) {
	if err := s.rateService.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	xr := decimal.NewFromInt(1)
	if req.ExchangeRate != nil {
		xr = *req.ExchangeRate
	}
	q, err := s.rateService.Quote(r.Context(), rate.Type(req.Type), req.Measure, xr)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		RateID:        q.Rate.ID,
		Measure:       q.Measure.String(),
		ExchangeRate:  q.ExchangeRate.String(),
		Price:         money(q.Price),
		ProcessingFee: money(q.ProcessingFee),
		Total:         money(q.Total),
	})
}

type broadcastRequest struct {
	Subject       string     `json:"subject"`
	Content       string     `json:"content"`
	RecipientType string     `json:"recipient_type"`
	RecipientIDs  []string   `json:"recipient_ids"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	filters := broadcast.Filters{
		Status: broadcast.Status(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
	}
	filters.Page, filters.PageSize = pageParams(r)
	res, err := s.broadcastService.List(r.Context(), filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[broadcastResponse]{
		Items: mapItems(res.Items, newBroadcastResponse),
		Total: res.Total,
	})
}

func (s *Server) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := s.broadcastService.Create(r.Context(), broadcast.CreateParams{
		Subject:       req.Subject,
		Content:       req.Content,
		RecipientType: broadcast.RecipientType(req.RecipientType),
		RecipientIDs:  req.RecipientIDs,
		ScheduledAt:   req.ScheduledAt,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBroadcastResponse(m))
}

func (s *Server) handleSendBroadcast(w http.ResponseWriter, r *http.Request) {
	m, err := s.broadcastService.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBroadcastResponse(m))
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	filters, err := auditFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, total, err := s.auditLogs.Query(r.Context(), filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[auditEntryResponse]{
		Items: mapItems(entries, newAuditEntryResponse),
		Total: total,
	})
}

type exportRequest struct {
	Format string `json:"format"`
}

type exportResponse struct {
	File        string `json:"file"`
	DownloadURL string `json:"download_url"`
}

// handleCreateExport takes the format in the body and filters in the query
// string, the same ones the list endpoint accepts.
func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	filters, err := auditFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, err := s.auditExports.Export(r.Context(), audit.Format(req.Format), filters)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exportResponse{
		File:        name,
		DownloadURL: "/api/admin/audit-logs/exports/" + name,
	})
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	f, err := s.auditExports.Open(name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	contentType := "text/csv"
	if filepath.Ext(name) == ".pdf" {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func auditFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	f := audit.Filters{
		EventType:     audit.EventType(q.Get("event_type")),
		Action:        q.Get("action"),
		UserID:        q.Get("user_id"),
		AuditableType: q.Get("auditable_type"),
		AuditableID:   q.Get("auditable_id"),
		Search:        q.Get("search"),
	}
	f.Page, f.PageSize = pageParams(r)
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := parseTimeParam(v)
		if err != nil {
			return audit.Filters{}, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD", key)
		}
		if key == "to" && len(v) == len(time.DateOnly) {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		*dst = &t
	}
	return f, nil
}

func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

type backupResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	FileSize    int64   `json:"file_size"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func newBackupResponse(b *backup.Backup) *backupResponse {
	if b == nil {
		return nil
	}
	out := &backupResponse{ID: b.ID, Name: b.Name, Type: string(b.Type), Status: string(b.Status), FileSize: b.FileSize}
	if b.CompletedAt != nil {
		at := b.CompletedAt.UTC().Format(time.RFC3339)
		out.CompletedAt = &at
	}
	return out
}

type backupStatusResponse struct {
	Healthy      bool            `json:"healthy"`
	LastDatabase *backupResponse `json:"last_database"`
	LastFiles    *backupResponse `json:"last_files"`
	Counts       map[string]int  `json:"counts"`
	TotalSize    int64           `json:"total_size"`
	TotalHuman   string          `json:"total_size_human"`
}

func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.backups.Status(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	counts := make(map[string]int, len(report.Counts))
	for st, n := range report.Counts {
		counts[string(st)] = n
	}
	writeJSON(w, http.StatusOK, backupStatusResponse{
		Healthy:      report.Healthy,
		LastDatabase: newBackupResponse(report.LastDatabase),
		LastFiles:    newBackupResponse(report.LastFiles),
		Counts:       counts,
		TotalSize:    report.TotalSize,
		TotalHuman:   backup.HumanSize(report.TotalSize),
	})
}
