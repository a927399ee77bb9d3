package main

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brunobiangulo/grounded"
)

func newRouter(engine *grounded.Engine, cfg grounded.Config) http.Handler {
	h := newHandler(engine, cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoveryMiddleware)
	r.Use(corsMiddleware(os.Getenv("CORS_ORIGINS")))
	r.Use(logMiddleware)
	r.Use(metricsMiddleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.handleHealth)
	r.Get("/health/deps", h.handleHealthDeps)
	if cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.APIKey))

		r.Route("/sources", func(r chi.Router) {
			r.Post("/upload", h.handleUploadSource)
			r.Post("/ingest", h.handleIngestBody)
			r.Get("/", h.handleListSources)
			r.Get("/{id}", h.handleGetSource)
			r.Delete("/{id}", h.handleDeleteSource)
			r.Post("/{id}/ingest", h.handleIngestSource)
		})

		r.Post("/query", h.queryHandler(queryFlags{}))
		r.Post("/query/verified", h.queryHandler(queryFlags{verified: true}))
		r.Post("/query/verified/grouped", h.queryHandler(queryFlags{verified: true, grouped: true}))
		r.Post("/query/verified/highlights", h.queryHandler(queryFlags{verified: true, highlights: true}))
		r.Post("/query/verified/grouped/highlights", h.queryHandler(queryFlags{verified: true, grouped: true, highlights: true}))

		r.Get("/answers/{id}", h.handleGetAnswer)
		r.Get("/answers/{id}/grouped", h.handleGetAnswerGrouped)
		r.Get("/answers/{id}/highlights", h.handleGetAnswerHighlights)
	})

	return r
}
