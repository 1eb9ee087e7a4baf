package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"idgov/internal/domain"
)

func (h *Handler) analyzePrivileges(w http.ResponseWriter, r *http.Request) {
	raised, err := h.svc.Privileges.Analyze(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": flagsToAPI(raised)})
}

func (h *Handler) listFlagged(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": flagsToAPI(h.svc.Privileges.Flagged())})
}

func (h *Handler) unflag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "principalId")
	if !h.svc.Privileges.Unflag(id) {
		h.writeError(w, r, domain.ErrNotFound("principal %q is not flagged", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
