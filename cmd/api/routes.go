package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopexpress/auth"
	"shopexpress/directory"
	"shopexpress/metrics"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.log()))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Instrument(routePattern))
	r.Use(middleware.Timeout(60 * time.Second))

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(withActor)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/me", func(r chi.Router) {
				r.With(s.requireAbility(auth.ViewOwnPackages)).Get("/packages", s.handleMyPackages)
				r.With(s.requireAbility(auth.ViewOwnConsolidations)).Get("/consolidated-packages", s.handleMyConsolidations)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Route("/manifests", func(r chi.Router) {
					r.With(s.requireAbility(auth.ManageManifests)).Get("/", s.handleListManifests)
					r.With(s.requireAbility(auth.ManageManifests)).Post("/", s.handleCreateManifest)
					r.Route("/{id}", func(r chi.Router) {
						r.With(s.requireAbility(auth.ManageManifests)).Get("/", s.handleGetManifest)
						r.With(s.requireAbility(auth.ManageManifests)).Patch("/", s.handleUpdateManifest)
						r.With(s.requireAbility(auth.CloseManifests)).Post("/close", s.handleCloseManifest)
						r.With(s.requireAbility(auth.UnlockManifests)).Post("/unlock", s.handleUnlockManifest)
						r.With(s.requireAbility(auth.ManageManifests)).Get("/history", s.handleManifestHistory)
						r.With(s.requireAbility(auth.ManagePackages)).Get("/packages", s.handleManifestPackages)
						r.With(s.requireAbility(auth.ManagePackages)).Post("/packages", s.handleCreatePackage)
					})
				})

				r.Route("/packages/{id}", func(r chi.Router) {
					r.Use(s.requireAbility(auth.ManagePackages))
					r.Patch("/status", s.handlePackageStatus)
					r.Patch("/fees", s.handlePackageFees)
				})

				r.With(s.requireAbility(auth.DistributePackages)).Post("/distributions", s.handleDistribute)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAbility(auth.ManagePackages))
					r.Get("/offices", s.handleListDirectory(directory.KindOffice))
					r.Post("/offices", s.handleCreateDirectory(directory.KindOffice))
					r.Get("/shippers", s.handleListDirectory(directory.KindShipper))
					r.Post("/shippers", s.handleCreateDirectory(directory.KindShipper))
				})

				r.Route("/consolidations", func(r chi.Router) {
					r.Use(s.requireAbility(auth.ManageConsolidations))
					r.Post("/", s.handleConsolidate)
					r.Patch("/{id}/status", s.handleConsolidationStatus)
					r.Delete("/{id}", s.handleUnconsolidate)
				})

				r.Route("/rates", func(r chi.Router) {
					r.Use(s.requireAbility(auth.ManageRates))
					r.Get("/", s.handleListRates)
					r.Post("/", s.handleCreateRate)
					r.Post("/quote", s.handleQuote)
					r.Put("/{id}", s.handleUpdateRate)
					r.Delete("/{id}", s.handleDeleteRate)
				})

				r.Route("/broadcasts", func(r chi.Router) {
					r.Use(s.requireAbility(auth.ManageBroadcasts))
					r.Get("/", s.handleListBroadcasts)
					r.Post("/", s.handleCreateBroadcast)
					r.Post("/{id}/send", s.handleSendBroadcast)
				})

				r.With(s.requireAbility(auth.ManageUsers)).Patch("/users/{id}/role", s.handleChangeRole)
				r.With(s.requireAbility(auth.ManageBackups)).Get("/backups/status", s.handleBackupStatus)

				r.Route("/audit-logs", func(r chi.Router) {
					r.With(s.requireAbility(auth.ViewAuditLogs)).Get("/", s.handleAuditLogs)
					r.With(s.requireAbility(auth.ExportAuditLogs)).Post("/exports", s.handleCreateExport)
					r.With(s.requireAbility(auth.ExportAuditLogs)).Get("/exports/{file}", s.handleDownloadExport)
				})
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.readiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
