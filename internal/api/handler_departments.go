package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"idgov/internal/domain"
)

// CreateDepartmentRequest is the body of POST /departments.
type CreateDepartmentRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Resources   []string `json:"resources"`
	ParentGroup string   `json:"parentGroup"`
}

// UpdateDepartmentRequest is the body of PATCH /departments/{name}.
type UpdateDepartmentRequest struct {
	Resources []string `json:"resources"`
}

// AddMemberRequest is the body of POST /departments/{name}/members.
type AddMemberRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) createDepartment(w http.ResponseWriter, r *http.Request) {
	var req CreateDepartmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	dept, err := h.svc.Departments.Create(r.Context(), domain.CreateDepartmentRequest{
		Name:        req.Name,
		Description: req.Description,
		Resources:   req.Resources,
		ParentGroup: req.ParentGroup,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, departmentToAPI(*dept))
}

func (h *Handler) listDepartments(w http.ResponseWriter, r *http.Request) {
	var (
		depts []domain.Department
		err   error
	)
	if parent := r.URL.Query().Get("parent"); parent != "" {
		depts, err = h.svc.Departments.Children(r.Context(), parent)
	} else {
		depts, err = h.svc.Departments.List(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]Department, 0, len(depts))
	for _, d := range depts {
		out = append(out, departmentToAPI(d))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"departments": out})
}

func (h *Handler) getDepartment(w http.ResponseWriter, r *http.Request) {
	dept, err := h.svc.Departments.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, departmentToAPI(*dept))
}

func (h *Handler) updateDepartment(w http.ResponseWriter, r *http.Request) {
	var req UpdateDepartmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	dept, err := h.svc.Departments.UpdateResources(r.Context(), chi.URLParam(r, "name"), req.Resources)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, departmentToAPI(*dept))
}

func (h *Handler) deleteDepartment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Departments.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addDepartmentMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Departments.AssignUser(r.Context(), chi.URLParam(r, "name"), req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listDepartmentMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.Departments.Members(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]Principal, 0, len(members))
	for _, m := range members {
		out = append(out, principalToAPI(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": out})
}

func (h *Handler) listDepartmentResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.svc.Departments.Resources(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": resources})
}

func (h *Handler) listSubGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.svc.Departments.SubGroups(r.Context(), chi.URLParam(r, "groupId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type group struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Description string `json:"description"`
	}
	out := make([]group, 0, len(groups))
	for _, g := range groups {
		out = append(out, group{ID: g.ID, DisplayName: g.DisplayName, Description: g.Description})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": out})
}
