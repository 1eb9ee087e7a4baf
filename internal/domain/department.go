package domain

import (
	"strings"
	"time"
)

// Department is owned entirely by this system. Each department is backed by a
// directory group nested under a parent group.
type Department struct {
	Name        string
	Description string
	Resources   []string
	ParentGroup string
	GroupID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateDepartmentRequest holds parameters for creating a department.
type CreateDepartmentRequest struct {
	Name        string
	Description string
	Resources   []string
	ParentGroup string
}

// Validate checks that the request is well-formed.
func (r *CreateDepartmentRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.ParentGroup = strings.TrimSpace(r.ParentGroup)
	if r.Name == "" {
		return ErrValidation("department name is required")
	}
	if r.ParentGroup == "" {
		return ErrValidation("parent group is required")
	}
	if strings.EqualFold(r.Name, r.ParentGroup) {
		return ErrValidation("department %q cannot be nested under itself", r.Name)
	}
	return nil
}
