package main

import (
	"net/http"
	"strconv"
	"time"

	"shopexpress/directory"
)

type directoryResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func newDirectoryResponse(e directory.Entry) directoryResponse {
	return directoryResponse{ID: e.ID, Name: e.Name, CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339)}
}

func (s *Server) handleListDirectory(kind directory.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := s.directoryService.List(r.Context(), kind, limit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		items := mapItems(entries, newDirectoryResponse)
		writeJSON(w, http.StatusOK, listResponse[directoryResponse]{Items: items, Total: len(items)})
	}
}

func (s *Server) handleCreateDirectory(kind directory.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		created, err := s.directoryService.Create(r.Context(), kind, req.Name)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, newDirectoryResponse(created))
	}
}
