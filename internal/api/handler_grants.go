package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"idgov/internal/domain"
)

// GrantRequest is the body of POST /grants and POST /grants/emergency.
type GrantRequest struct {
	PrincipalID    string   `json:"principalId"`
	Permissions    []string `json:"permissions"`
	Duration       Duration `json:"duration"`
	AssignmentKind string   `json:"assignmentKind,omitempty"`
}

// DelegateRequest is the body of POST /grants/delegate.
type DelegateRequest struct {
	FromID         string   `json:"fromId"`
	ToID           string   `json:"toId"`
	Permissions    []string `json:"permissions"`
	Duration       Duration `json:"duration"`
	AssignmentKind string   `json:"assignmentKind,omitempty"`
}

// CrossScopeRequest is the body of POST /grants/cross-scope.
type CrossScopeRequest struct {
	SourceID       string   `json:"sourceId"`
	TargetID       string   `json:"targetId"`
	Permission     string   `json:"permission"`
	Duration       Duration `json:"duration"`
	AssignmentKind string   `json:"assignmentKind,omitempty"`
}

// RevokeRequest is the body of POST /grants/revoke.
type RevokeRequest struct {
	PrincipalID string   `json:"principalId"`
	Permissions []string `json:"permissions"`
}

// GrantList is a page of grants.
type GrantList struct {
	Grants        []Grant `json:"grants"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

func (req GrantRequest) toDomain() domain.GrantRequest {
	return domain.GrantRequest{
		PrincipalID:    req.PrincipalID,
		Permissions:    req.Permissions,
		Duration:       time.Duration(req.Duration),
		AssignmentKind: domain.AssignmentKind(req.AssignmentKind),
	}
}

func (h *Handler) createGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := h.svc.Grants.Grant(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantToAPI(*g))
}

func (h *Handler) emergencyGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := h.svc.Grants.EmergencyActivate(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantToAPI(*g))
}

func (h *Handler) delegateGrant(w http.ResponseWriter, r *http.Request) {
	var req DelegateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := h.svc.Grants.Delegate(r.Context(), domain.DelegateRequest{
		FromID:         req.FromID,
		ToID:           req.ToID,
		Permissions:    req.Permissions,
		Duration:       time.Duration(req.Duration),
		AssignmentKind: domain.AssignmentKind(req.AssignmentKind),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantToAPI(*g))
}

func (h *Handler) crossScopeGrant(w http.ResponseWriter, r *http.Request) {
	var req CrossScopeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := h.svc.Grants.CrossScopeGrant(r.Context(), domain.CrossScopeRequest{
		SourceID:       req.SourceID,
		TargetID:       req.TargetID,
		Permission:     req.Permission,
		Duration:       time.Duration(req.Duration),
		AssignmentKind: domain.AssignmentKind(req.AssignmentKind),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantToAPI(*g))
}

func (h *Handler) listGrants(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	grants, total, err := h.svc.Grants.ListGrants(r.Context(), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := GrantList{
		Grants:        make([]Grant, 0, len(grants)),
		NextPageToken: domain.NextPageToken(page.Offset(), page.Limit(), total),
	}
	for _, g := range grants {
		out.Grants = append(out.Grants, grantToAPI(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid grant key"))
		return
	}
	g, err := h.svc.Grants.RevokeGrant(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantToAPI(*g))
}

func (h *Handler) revokePermissions(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Grants.Revoke(r.Context(), req.PrincipalID, req.Permissions); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AccessWindow reports an access-window decision.
type AccessWindow struct {
	Allowed bool   `json:"allowed"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// accessWindow checks ?start=HH:MM&end=HH:MM against the current time. With
// ?principalId the decision is also recorded as an access event.
func (h *Handler) accessWindow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := domain.ParseTimeOfDay(q.Get("start"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := domain.ParseTimeOfDay(q.Get("end"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var allowed bool
	if p := q.Get("principalId"); p != "" {
		allowed = h.svc.Grants.EnforceWindow(r.Context(), p, start, end)
	} else {
		allowed = h.svc.Grants.IsWithinWindow(start, end)
	}
	writeJSON(w, http.StatusOK, AccessWindow{Allowed: allowed, Start: start.String(), End: end.String()})
}

// MFARequest is the body of POST /mfa/verify.
type MFARequest struct {
	PrincipalID string `json:"principalId"`
	Action      string `json:"action"`
}

func (h *Handler) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var req MFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.PrincipalID == "" || req.Action == "" {
		h.writeError(w, r, domain.ErrValidation("principalId and action are required"))
		return
	}
	ok := h.svc.Grants.VerifyMFA(r.Context(), req.PrincipalID, req.Action)
	writeJSON(w, http.StatusOK, map[string]bool{"verified": ok})
}
