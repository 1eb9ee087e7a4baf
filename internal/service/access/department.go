package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"idgov/internal/clock"
	"idgov/internal/domain"
)

// ResourceRolePrefix names the application role that grants a resource.
const ResourceRolePrefix = "ResourceRole_"

// DepartmentService manages departments and their directory groups.
type DepartmentService struct {
	dir    domain.Directory
	repo   domain.DepartmentRepository
	rec    *recorder
	clock  clock.Clock
	logger *slog.Logger
}

// NewDepartmentService creates a DepartmentService. sink may be nil.
func NewDepartmentService(dir domain.Directory, repo domain.DepartmentRepository, events domain.AccessEventRepository, sink EventSink, clk clock.Clock, logger *slog.Logger) *DepartmentService {
	logger = logger.With("component", "departments")
	return &DepartmentService{
		dir:    dir,
		repo:   repo,
		rec:    &recorder{events: events, sink: sink, clock: clk, logger: logger},
		clock:  clk,
		logger: logger,
	}
}

// Create provisions the department's group under its parent group, creating
// the parent when it does not exist yet, grants each resource to the group,
// and persists the department.
func (s *DepartmentService) Create(ctx context.Context, req domain.CreateDepartmentRequest) (*domain.Department, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(ctx, req.Name); err == nil {
		return nil, domain.ErrConflict("department %q already exists", req.Name)
	} else if !isNotFound(err) {
		return nil, err
	}

	group, err := s.departmentGroup(ctx, req)
	if err != nil {
		return nil, err
	}

	parent, err := s.parentGroup(ctx, req.ParentGroup)
	if err != nil {
		return nil, err
	}
	if err := s.dir.AddGroupMember(ctx, parent.ID, group.ID); err != nil {
		return nil, fmt.Errorf("nest %q under %q: %w", req.Name, req.ParentGroup, err)
	}

	resources := normalizeResources(req.Resources)
	for _, r := range resources {
		if err := s.AssignResourceToGroup(ctx, group.ID, r); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	dept, err := s.repo.Create(ctx, &domain.Department{
		Name:        req.Name,
		Description: req.Description,
		Resources:   resources,
		ParentGroup: req.ParentGroup,
		GroupID:     group.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	s.rec.record(ctx, domain.ActorFromContext(ctx).Subject, ResourceDepartment, "create:"+dept.Name)
	return dept, nil
}

// departmentGroup returns the department's directory group. A group left
// behind by an earlier Create that failed part way is reused.
func (s *DepartmentService) departmentGroup(ctx context.Context, req domain.CreateDepartmentRequest) (*domain.Group, error) {
	g, err := s.dir.FindGroupByName(ctx, req.Name)
	if err == nil {
		s.logger.Info("reusing existing group for department", "department", req.Name, "id", g.ID)
		return g, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("find group for department %q: %w", req.Name, err)
	}
	g, err = s.dir.CreateGroup(ctx, domain.Group{
		DisplayName:  req.Name,
		Description:  req.Description,
		MailNickname: domain.SanitizeNickname(req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("create group for department %q: %w", req.Name, err)
	}
	return g, nil
}

func (s *DepartmentService) parentGroup(ctx context.Context, name string) (*domain.Group, error) {
	g, err := s.dir.FindGroupByName(ctx, name)
	if err == nil {
		return g, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("find parent group %q: %w", name, err)
	}
	g, err = s.dir.CreateGroup(ctx, domain.Group{
		DisplayName:  name,
		Description:  "Auto-created parent group: " + name,
		MailNickname: domain.SanitizeNickname(name),
	})
	if err != nil {
		return nil, fmt.Errorf("create parent group %q: %w", name, err)
	}
	s.logger.Info("parent group created", "group", name, "id", g.ID)
	return g, nil
}

// Get returns a department by name.
func (s *DepartmentService) Get(ctx context.Context, name string) (*domain.Department, error) {
	return s.repo.Get(ctx, name)
}

// List returns every department.
func (s *DepartmentService) List(ctx context.Context) ([]domain.Department, error) {
	return s.repo.List(ctx)
}

// UpdateResources replaces the department's resource list and grants newly
// added resources to its group. Resources that were dropped keep their
// existing role assignment.
func (s *DepartmentService) UpdateResources(ctx context.Context, name string, resources []string) (*domain.Department, error) {
	cur, err := s.repo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	resources = normalizeResources(resources)
	had := make(map[string]bool, len(cur.Resources))
	for _, r := range cur.Resources {
		had[r] = true
	}
	for _, r := range resources {
		if had[r] || cur.GroupID == "" {
			continue
		}
		if err := s.AssignResourceToGroup(ctx, cur.GroupID, r); err != nil {
			return nil, err
		}
	}

	dept, err := s.repo.UpdateResources(ctx, name, resources)
	if err != nil {
		return nil, err
	}
	s.rec.record(ctx, domain.ActorFromContext(ctx).Subject, ResourceDepartmentResource, "update:"+name+":"+strings.Join(resources, ","))
	return dept, nil
}

// Delete removes the department record. The directory group is left in place.
func (s *DepartmentService) Delete(ctx context.Context, name string) error {
	if err := s.repo.Delete(ctx, name); err != nil {
		return err
	}
	s.rec.record(ctx, domain.ActorFromContext(ctx).Subject, ResourceDepartment, "delete:"+name)
	return nil
}

// AssignUser adds the user to the department's group.
func (s *DepartmentService) AssignUser(ctx context.Context, name, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ErrValidation("user id is required")
	}
	dept, err := s.repo.Get(ctx, name)
	if err != nil {
		return err
	}
	if dept.GroupID == "" {
		return domain.ErrValidation("department %q has no directory group", name)
	}
	if err := s.dir.AddGroupMember(ctx, dept.GroupID, userID); err != nil {
		return fmt.Errorf("add %s to department %q: %w", userID, name, err)
	}
	s.rec.record(ctx, userID, ResourceDepartmentMember, "assign:"+name)
	return nil
}

// Resources returns the department's resource list.
func (s *DepartmentService) Resources(ctx context.Context, name string) ([]string, error) {
	dept, err := s.repo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if dept.Resources == nil {
		return []string{}, nil
	}
	return dept.Resources, nil
}

// Members returns the users of a department: members of its group plus users
// whose directory department attribute names it.
func (s *DepartmentService) Members(ctx context.Context, name string) ([]domain.Principal, error) {
	dept, err := s.repo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	inGroup := make(map[string]bool)
	if dept.GroupID != "" {
		members, err := s.dir.ListGroupMembers(ctx, dept.GroupID)
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("list members of department %q: %w", name, err)
		}
		for _, m := range members {
			if m.MemberType != "group" {
				inGroup[m.MemberID] = true
			}
		}
	}

	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := []domain.Principal{}
	for _, u := range users {
		if inGroup[u.ID] || (u.Department != nil && strings.EqualFold(*u.Department, dept.Name)) {
			out = append(out, u)
		}
	}
	return out, nil
}

// SubGroups returns the groups nested directly under groupID.
func (s *DepartmentService) SubGroups(ctx context.Context, groupID string) ([]domain.Group, error) {
	members, err := s.dir.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members of group %s: %w", groupID, err)
	}
	nested := make(map[string]bool)
	for _, m := range members {
		if m.MemberType == "group" {
			nested[m.MemberID] = true
		}
	}
	out := []domain.Group{}
	if len(nested) == 0 {
		return out, nil
	}
	groups, err := s.dir.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if nested[g.ID] {
			out = append(out, g)
		}
	}
	return out, nil
}

// Children returns the departments whose groups are nested under the group
// with the given display name. It returns a NotFoundError for an unknown
// parent.
func (s *DepartmentService) Children(ctx context.Context, parentGroup string) ([]domain.Department, error) {
	if strings.TrimSpace(parentGroup) == "" {
		return nil, domain.ErrValidation("parent group is required")
	}
	parent, err := s.dir.FindGroupByName(ctx, parentGroup)
	if err != nil {
		return nil, err
	}
	subs, err := s.SubGroups(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	byGroup := make(map[string]bool, len(subs))
	for _, g := range subs {
		byGroup[g.ID] = true
	}
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Department{}
	for _, d := range all {
		if byGroup[d.GroupID] {
			out = append(out, d)
		}
	}
	return out, nil
}

// AssignResourceToGroup grants the resource's application role to the group,
// creating the role on first use.
func (s *DepartmentService) AssignResourceToGroup(ctx context.Context, groupID, resource string) error {
	role, err := s.dir.EnsureAppRole(ctx, ResourceRolePrefix+resource, "Access to "+resource)
	if err != nil {
		return fmt.Errorf("ensure role for resource %q: %w", resource, err)
	}
	if _, err := s.dir.AssignRole(ctx, groupID, role.ID, domain.AssignmentApp); err != nil {
		return fmt.Errorf("assign resource %q to group %s: %w", resource, groupID, err)
	}
	return nil
}

func normalizeResources(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
