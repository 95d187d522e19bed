/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. zapLogger:  Structured access log (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the staff frontend

ROUTE GROUPS:
  /api/pupils/*     Pupils, balances, awards
  /api/prizes/*     Catalog, stock, restock/spoilage
  /api/purchases/*  Redemption, orders, collect/refund
  /api/imports/*    Merit import merge
  /api/reports/*    Purchase digest
  /api/scenarios/*  Demo scenarios
  /healthz          Liveness

SECURITY NOTE:
  No authentication middleware. Staff authentication is handled by the
  deployment in front of this service.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(zapLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/pupils", func(r chi.Router) {
			r.Get("/", h.ListPupils)
			r.Post("/", h.CreatePupil)
			r.Get("/{id}", h.GetPupil)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/awards", h.ListAwards)
			r.Post("/{id}/awards", h.Award)
		})

		r.Route("/prizes", func(r chi.Router) {
			r.Get("/", h.ListPrizes)
			r.Post("/", h.SavePrize)
			r.Get("/{id}", h.GetPrize)
			r.Delete("/{id}", h.DeactivatePrize)
			r.Get("/{id}/stock", h.GetStock)
			r.Get("/{id}/adjustments", h.ListAdjustments)
			r.Post("/{id}/restock", h.Restock)
			r.Post("/{id}/spoilage", h.RecordSpoilage)
			r.Post("/{id}/mode", h.SetMode)
		})

		r.Route("/purchases", func(r chi.Router) {
			r.Get("/", h.ListPurchases)
			r.Post("/", h.CreatePurchase)
			r.Get("/{id}", h.GetPurchase)
			r.Post("/{id}/collect", h.CollectPurchase)
			r.Post("/{id}/refund", h.RefundPurchase)
		})

		r.Post("/imports/merits", h.ImportMerits)
		r.Get("/reports/digest", h.GetDigest)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// zapLogger logs one line per request.
func zapLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
