package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/auth"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	key := loginKey(req.Email, clientIP(r))

	if s.limiter != nil {
		wait, err := s.limiter.Blocked(ctx, key)
		if err != nil {
			s.log().Warn("login limiter unavailable", zap.Error(err))
		} else if wait > 0 {
			s.recordThrottled(r, req.Email)
			w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
			writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
			return
		}
	}

	res, err := s.authService.Login(ctx, req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) && s.limiter != nil {
			if lerr := s.limiter.Failed(ctx, key); lerr != nil {
				s.log().Warn("login limiter count", zap.Error(lerr))
			}
		}
		s.respondError(w, r, err)
		return
	}
	if s.limiter != nil {
		_ = s.limiter.Reset(ctx, key)
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User:      newUserResponse(res.User),
	})
}

func (s *Server) recordThrottled(r *http.Request, email string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(r.Context(), nil, audit.Entry{
		EventType:      audit.EventSecurity,
		Action:         "login_throttled",
		AdditionalData: map[string]any{"email": email},
	})
	if err != nil {
		s.log().Warn("audit login throttled", zap.Error(err))
	}
}

func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.authService.ChangeRole(r.Context(), chi.URLParam(r, "id"), auth.Role(req.Role))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(*user))
}
