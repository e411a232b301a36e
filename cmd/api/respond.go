package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/broadcast"
	"shopexpress/consolidation"
	"shopexpress/directory"
	"shopexpress/manifest"
	"shopexpress/parcel"
	"shopexpress/rate"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes. Unknown errors are 500.
func statusFor(err error) int {
	var notFound *rate.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, manifest.ErrNotFound),
		errors.Is(err, parcel.ErrNotFound),
		errors.Is(err, consolidation.ErrNotFound),
		errors.Is(err, broadcast.ErrNotFound),
		errors.Is(err, rate.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, directory.ErrNotFound),
		errors.Is(err, audit.ErrExportNotFound):
		return http.StatusNotFound
	case errors.Is(err, manifest.ErrForbidden),
		errors.Is(err, parcel.ErrForbidden),
		errors.Is(err, consolidation.ErrForbidden),
		errors.Is(err, broadcast.ErrForbidden),
		errors.Is(err, directory.ErrForbidden),
		errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, manifest.ErrManifestClosed),
		errors.Is(err, manifest.ErrAlreadyClosed),
		errors.Is(err, manifest.ErrNotClosed),
		errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, parcel.ErrDuplicateTracking),
		errors.Is(err, rate.ErrDuplicateBracket),
		errors.Is(err, directory.ErrDuplicateName),
		errors.Is(err, broadcast.ErrAlreadySent),
		errors.Is(err, consolidation.ErrInactive):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, rate.ErrRateNotFound),
		errors.Is(err, parcel.ErrInvalidTransition),
		errors.Is(err, parcel.ErrManualDelivery),
		errors.Is(err, parcel.ErrConsolidatedMember),
		errors.Is(err, parcel.ErrMixedCustomers),
		errors.Is(err, parcel.ErrNotReady),
		errors.Is(err, consolidation.ErrTooFewPackages),
		errors.Is(err, consolidation.ErrNotOwned),
		errors.Is(err, consolidation.ErrAlreadyConsolidated),
		errors.Is(err, consolidation.ErrDelivered),
		errors.Is(err, consolidation.ErrMixedStatus),
		errors.Is(err, broadcast.ErrNoRecipients):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, manifest.ErrInvalidInput),
		errors.Is(err, manifest.ErrInvalidReason),
		errors.Is(err, parcel.ErrInvalidInput),
		errors.Is(err, parcel.ErrInvalidStatus),
		errors.Is(err, consolidation.ErrInvalidInput),
		errors.Is(err, broadcast.ErrInvalidInput),
		errors.Is(err, directory.ErrInvalidInput),
		errors.Is(err, rate.ErrInvalidRate),
		errors.Is(err, rate.ErrInvalidMeasure),
		errors.Is(err, audit.ErrInvalidExportName),
		errors.Is(err, audit.ErrUnsupportedFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status. Server errors are logged and their
// message is not leaked.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	var notFound *rate.NotFoundError
	if errors.As(err, &notFound) {
		writeError(w, status, notFound.Error())
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func pageParams(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, pageSize
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func mapItems[S, T any](in []S, fn func(S) T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
