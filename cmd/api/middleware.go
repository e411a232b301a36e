package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/auth"
)

// accessLog logs one line per request.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// withActor attaches the anonymous request actor so public routes still
// audit the caller's address.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := audit.Actor{
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			URL:       r.URL.RequestURI(),
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	})
}

// requireAuth verifies the bearer token and completes the actor.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		actor, _ := audit.ActorFrom(r.Context())
		actor.UserID = userID
		actor.Role = string(role)
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
	})
}

// requireAbility answers 403 and records an authorization entry when the
// caller's role lacks ability.
func (s *Server) requireAbility(ability auth.Ability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := audit.ActorFrom(r.Context())
			if auth.Can(auth.Role(actor.Role), ability) {
				next.ServeHTTP(w, r)
				return
			}
			s.recordDenied(r.Context(), r, actor, ability)
			writeError(w, http.StatusForbidden, "forbidden")
		})
	}
}

func (s *Server) recordDenied(ctx context.Context, r *http.Request, actor audit.Actor, ability auth.Ability) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, nil, audit.Entry{
		EventType: audit.EventAuthorization,
		Action:    "access_denied",
		AdditionalData: map[string]any{
			"ability": string(ability),
			"role":    actor.Role,
			"method":  r.Method,
			"path":    r.URL.Path,
		},
	})
	if err != nil {
		s.log().Warn("audit access denied", zap.Error(err))
	}
}

func currentActor(r *http.Request) audit.Actor {
	actor, _ := audit.ActorFrom(r.Context())
	return actor
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
