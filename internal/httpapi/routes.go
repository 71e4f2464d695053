package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

// Routes mounts every endpoint on a chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(forwardRequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", h.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", h.HandleGenerate)
		r.Post("/generate/stream", h.HandleGenerateStream)
		r.Post("/generate/json", h.HandleGenerateJSON)
		r.Post("/chat", h.HandleChat)
		r.Put("/route", h.HandleSwitchRoute)

		r.Route("/storyboard", func(r chi.Router) {
			r.Post("/round1", h.HandleRound1)
			r.Post("/round1/stream", h.HandleRound1Stream)
			r.Post("/round2/batched", h.HandleRound2)
			r.Post("/full", h.HandleFull)
		})

		r.Post("/jobs", h.HandleCreateJob)
		r.Get("/jobs/{id}", h.HandleGetJob)

		r.Get("/runs/{id}", h.HandleGetRun)
		r.Get("/runs/{id}/artifacts/{name}", h.HandleGetArtifact)
	})
	return r
}

// forwardRequestID echoes chi's request id and hands it to backend calls.
func forwardRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimiddleware.GetReqID(r.Context())
		if id != "" {
			w.Header().Set(provider.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(provider.WithRequestID(r.Context(), id)))
	})
}

// HandleHealth reports the active route and the breaker state of each of its
// models. The service is degraded when every breaker is open.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	breakers := h.gen.BreakerStates()
	status := "ok"
	open := 0
	for _, state := range breakers {
		if state == "open" {
			open++
		}
	}
	if len(breakers) > 0 && open == len(breakers) {
		status = "degraded"
	}

	resp := map[string]any{"status": status, "service": "llm-orchestrator", "breakers": breakers}
	if h.router != nil {
		resp["route"] = h.router.Name()
	}
	writeJSON(w, http.StatusOK, resp)
}
