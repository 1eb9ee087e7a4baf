package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idgov/internal/domain"
)

// SyncResponse reports the runs of a manual sync. Error is set when some
// streams failed while others completed.
type SyncResponse struct {
	Runs  []SyncRun `json:"runs"`
	Error string    `json:"error,omitempty"`
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request) {
	if h.svc.Syncer == nil {
		h.writeError(w, r, domain.ErrNotFound("log synchronization is not configured"))
		return
	}

	// The cursor only moves after a full pass, so a pass is allowed to finish
	// after the client has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), syncTimeout)
	defer cancel()

	name := chi.URLParam(r, "stream")
	logger := requestLogger(h, r).With("stream", name, "actor", domain.ActorFromContext(r.Context()).Subject)
	logger.Info("manual sync requested")

	if name == "all" {
		results, err := h.svc.Syncer.RunAll(ctx)
		if err != nil && len(results) == 0 {
			h.writeError(w, r, err)
			return
		}
		resp := SyncResponse{Runs: make([]SyncRun, 0, len(results))}
		for _, res := range results {
			resp.Runs = append(resp.Runs, syncRunToAPI(res))
		}
		if err != nil {
			logger.Warn("partial sync", "error", err)
			resp.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	stream, err := domain.ParseStream(name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Syncer.Run(ctx, stream)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Runs: []SyncRun{syncRunToAPI(*res)}})
}

func (h *Handler) listCursors(w http.ResponseWriter, r *http.Request) {
	if h.svc.Cursors == nil {
		h.writeError(w, r, domain.ErrNotFound("log synchronization is not configured"))
		return
	}
	cursors, err := h.svc.Cursors.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]Cursor, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, cursorToAPI(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cursors": out})
}
