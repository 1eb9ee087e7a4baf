package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"idgov/internal/domain"
)

// ProvisionUserRequest is the body of POST /users.
type ProvisionUserRequest struct {
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	MailNickname      string `json:"mailNickname"`
	Department        string `json:"department"`
	Password          string `json:"password"`
	DefaultRoleID     string `json:"defaultRoleId"`
	AssignmentKind    string `json:"assignmentKind"`
}

// UpdateRoleRequest is the body of PUT /users/{id}/role.
type UpdateRoleRequest struct {
	RoleID         string `json:"roleId"`
	AssignmentKind string `json:"assignmentKind"`
}

// Principal is the API representation of a directory user.
type Principal struct {
	ID                string  `json:"id"`
	DisplayName       string  `json:"displayName"`
	UserPrincipalName string  `json:"userPrincipalName"`
	MailNickname      string  `json:"mailNickname"`
	Department        *string `json:"department,omitempty"`
}

func principalToAPI(p domain.Principal) Principal {
	return Principal{
		ID:                p.ID,
		DisplayName:       p.DisplayName,
		UserPrincipalName: p.UserPrincipalName,
		MailNickname:      p.MailNickname,
		Department:        p.Department,
	}
}

func (h *Handler) provisionUser(w http.ResponseWriter, r *http.Request) {
	var req ProvisionUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.svc.Roles.AutoProvision(r.Context(), domain.CreateUserRequest{
		DisplayName:       req.DisplayName,
		UserPrincipalName: req.UserPrincipalName,
		MailNickname:      req.MailNickname,
		Department:        req.Department,
		Password:          req.Password,
	}, req.DefaultRoleID, domain.AssignmentKind(req.AssignmentKind))
	if err != nil {
		if user != nil {
			// created without the default role
			writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
				"user":  principalToAPI(*user),
				"error": err.Error(),
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, principalToAPI(*user))
}

func (h *Handler) updateUserRole(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	change, err := h.svc.Roles.UpdateUserRole(r.Context(), chi.URLParam(r, "id"), req.RoleID, domain.AssignmentKind(req.AssignmentKind))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":  change.UserID,
		"roleId":  change.RoleID,
		"removed": change.Removed,
	})
}

func (h *Handler) hasPermission(w http.ResponseWriter, r *http.Request) {
	permission := r.URL.Query().Get("permission")
	ok, err := h.svc.Roles.HasPermission(r.Context(), chi.URLParam(r, "id"), permission)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"permission": permission, "granted": ok})
}
