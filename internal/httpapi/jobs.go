package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vnmchuo/llm-orchestrator/internal/runstore"
	"github.com/vnmchuo/llm-orchestrator/internal/worker"
)

// HandleCreateJob queues the full storyboard pipeline and answers at once
// with the job id.
func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotImplemented, "async jobs disabled")
		return
	}
	var body fullRequest
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	if strings.TrimSpace(body.Round1.Story) == "" {
		writeError(w, http.StatusBadRequest, "round1.story required")
		return
	}

	params := body.params()
	params.Persist = true
	job, err := h.jobs.Enqueue(r.Context(), "storyboard_full", body.CallbackURL, func(ctx context.Context) (worker.Outcome, error) {
		pack, err := h.board.BuildPackage(ctx, params)
		if err != nil {
			return worker.Outcome{}, err
		}
		failures := append(append([]string(nil), pack.Round1.Failures...), pack.Round2.Failures...)
		if pack.Round1.UsedModel == "" {
			return worker.Outcome{RunID: pack.ID, Failures: failures}, fmt.Errorf("round 1: all candidates exhausted")
		}
		return worker.Outcome{RunID: pack.ID, Downloads: pack.Downloads, Failures: failures}, nil
	})
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotImplemented, "async jobs disabled")
		return
	}
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if errors.Is(err, worker.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "run storage disabled")
		return
	}
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to load run", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	downloads := make(map[string]string, len(run.Artifacts))
	for _, name := range run.Artifacts {
		downloads[name] = runstore.Locator("", run.ID, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"downloads": downloads,
	})
}

func (h *Handler) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "run storage disabled")
		return
	}
	runID, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	a, err := h.store.GetArtifact(r.Context(), runID, name)
	if errors.Is(err, runstore.ErrArtifactNotFound) || errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to load artifact", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ext := ".txt"
	if a.ContentType == runstore.ContentTypeJSON {
		ext = ".json"
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%s%s"`, runID, name, ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Body)
}
