package httpapi

import (
	"net/http"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/batch"
	"github.com/vnmchuo/llm-orchestrator/internal/storyboard"
)

type round1Request struct {
	storyboard.Round1Params
	Persist bool `json:"persist"`
}

func (b *round1Request) tokens() int {
	return b.MaxTokens
}

type round2Request struct {
	storyboard.Round2Params
	Shots   []map[string]any `json:"shots"`
	Persist bool             `json:"persist"`
}

func (b *round2Request) tokens() int {
	return b.MaxTokens
}

type fullRequest struct {
	Round1      storyboard.Round1Params `json:"round1"`
	Round2      storyboard.Round2Params `json:"round2"`
	Persist     *bool                   `json:"persist"`
	CallbackURL string                  `json:"callback_url"`
}

func (b *fullRequest) tokens() int {
	return b.Round1.MaxTokens + b.Round2.MaxTokens
}

func (b *fullRequest) params() storyboard.FullParams {
	persist := true
	if b.Persist != nil {
		persist = *b.Persist
	}
	return storyboard.FullParams{Round1: b.Round1, Round2: b.Round2, Persist: persist}
}

func (h *Handler) HandleRound1(w http.ResponseWriter, r *http.Request) {
	var body round1Request
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	if strings.TrimSpace(body.Story) == "" {
		writeError(w, http.StatusBadRequest, "story required")
		return
	}

	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	res, err := h.board.GeneratePictures(ctx, body.Round1Params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Model == "" {
		writeExhausted(w, res.Failures)
		return
	}

	resp := map[string]any{
		"used_model": res.Model,
		"failures":   nonNil(res.Failures),
		"text_raw":   res.Raw,
		"json":       shotsOrEmpty(res.Shots),
	}
	if body.Persist {
		runID, downloads, err := h.board.SaveRound1(ctx, res)
		if err != nil {
			h.logger.Error("failed to persist round 1", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["run_id"], resp["downloads"] = runID, downloads
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRound1Stream streams the shot list as it is generated and closes with
// a done event holding the parsed shots.
func (h *Handler) HandleRound1Stream(w http.ResponseWriter, r *http.Request) {
	var body round1Request
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	if strings.TrimSpace(body.Story) == "" {
		writeError(w, http.StatusBadRequest, "story required")
		return
	}

	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	ps, err := h.board.StreamPictures(ctx, body.Round1Params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ps.ModelHint == "" {
		writeExhausted(w, ps.Failures)
		return
	}
	defer ps.Chunks.Close()

	events, ok := startSSE(w)
	if !ok {
		return
	}
	var raw strings.Builder
	for chunk := range ps.Chunks.All() {
		raw.WriteString(chunk)
		if err := events.send("chunk", map[string]string{"text": chunk}); err != nil {
			h.logger.Warn("client went away mid-stream", "error", err)
			return
		}
	}

	failures := ps.Failures
	if err := ps.Chunks.Err(); err != nil {
		failures = append(failures, "round1_stream: "+err.Error())
	}
	shots, parseFailures := h.board.ParsePictures(ctx, raw.String())
	_ = events.send("done", map[string]any{
		"used_model": ps.ModelHint,
		"failures":   nonNil(append(failures, parseFailures...)),
		"json":       shotsOrEmpty(shots),
	})
}

func (h *Handler) HandleRound2(w http.ResponseWriter, r *http.Request) {
	var body round2Request
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	if len(body.Shots) == 0 {
		writeError(w, http.StatusBadRequest, "shots required")
		return
	}

	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	res, err := h.board.GenerateKeyframes(ctx, body.Shots, body.Round2Params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Model == "" && res.CoveredCount == 0 {
		writeExhausted(w, res.Failures)
		return
	}

	resp := map[string]any{
		"used_model":            res.Model,
		"failures":              nonNil(res.Failures),
		"text_raw":              res.RawText,
		"json":                  entriesOrEmpty(res.Entries),
		"missing_after_retries": nonNil(res.Missing),
		"missing_reasons":       res.MissingReasons,
		"meta":                  storyboard.KeyframeMeta(res),
	}
	if body.Persist {
		runID, downloads, err := h.board.SaveRound2(ctx, res)
		if err != nil {
			h.logger.Error("failed to persist round 2", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["run_id"], resp["downloads"] = runID, downloads
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleFull(w http.ResponseWriter, r *http.Request) {
	var body fullRequest
	if !h.decode(w, r, &body, body.tokens) {
		return
	}
	if strings.TrimSpace(body.Round1.Story) == "" {
		writeError(w, http.StatusBadRequest, "round1.story required")
		return
	}

	ctx, cancel := h.deadline(r.Context())
	defer cancel()
	pack, err := h.board.BuildPackage(ctx, body.params())
	if err != nil {
		h.logger.Error("failed to build package", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pack.Round1.UsedModel == "" {
		writeExhausted(w, pack.Round1.Failures)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func shotsOrEmpty(s []map[string]any) []map[string]any {
	if s == nil {
		return []map[string]any{}
	}
	return s
}

func entriesOrEmpty(s []batch.Entry) []batch.Entry {
	if s == nil {
		return []batch.Entry{}
	}
	return s
}
