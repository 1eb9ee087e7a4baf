package access

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"idgov/internal/clock"
	"idgov/internal/domain"
)

// RoleService manages standing (non-temporal) role assignments.
type RoleService struct {
	dir    domain.Directory
	rec    *recorder
	logger *slog.Logger
}

// NewRoleService creates a RoleService. sink may be nil.
func NewRoleService(dir domain.Directory, events domain.AccessEventRepository, sink EventSink, clk clock.Clock, logger *slog.Logger) *RoleService {
	logger = logger.With("component", "roles")
	return &RoleService{
		dir:    dir,
		rec:    &recorder{events: events, sink: sink, clock: clk, logger: logger},
		logger: logger,
	}
}

// RoleChange reports what UpdateUserRole did.
type RoleChange struct {
	UserID  string
	RoleID  string
	Removed []string
}

// UpdateUserRole replaces every role the user holds under kind with roleID.
// Removals are best effort: the new role is assigned even when some old ones
// could not be removed, and those failures are returned together.
func (s *RoleService) UpdateUserRole(ctx context.Context, userID, roleID string, kind domain.AssignmentKind) (*RoleChange, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roleID) == "" {
		return nil, domain.ErrValidation("user id and role id are required")
	}
	kind, err := assignmentKind(kind)
	if err != nil {
		return nil, err
	}
	held, err := s.heldRoles(ctx, userID, kind)
	if err != nil {
		return nil, err
	}

	change := &RoleChange{UserID: userID, RoleID: roleID, Removed: []string{}}
	var errs error
	for _, old := range held {
		if old == roleID {
			continue
		}
		if err := s.dir.RemoveRole(ctx, userID, old, kind); err != nil && !isNotFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("remove role %s: %w", old, err))
			continue
		}
		change.Removed = append(change.Removed, old)
	}
	if _, err := s.dir.AssignRole(ctx, userID, roleID, kind); err != nil {
		return change, multierr.Append(errs, fmt.Errorf("assign role %s to %s: %w", roleID, userID, err))
	}

	s.rec.record(ctx, userID, ResourceRoleUpdate, "update:"+roleID)
	s.logger.Info("user role updated", "user", userID, "role", roleID, "kind", kind, "removed", len(change.Removed))
	return change, errs
}

// AutoProvision creates the user and assigns the default role. When the
// assignment fails the created user is still returned with the error.
func (s *RoleService) AutoProvision(ctx context.Context, req domain.CreateUserRequest, defaultRoleID string, kind domain.AssignmentKind) (*domain.Principal, error) {
	if strings.TrimSpace(req.UserPrincipalName) == "" || strings.TrimSpace(req.DisplayName) == "" {
		return nil, domain.ErrValidation("display name and user principal name are required")
	}
	if strings.TrimSpace(defaultRoleID) == "" {
		return nil, domain.ErrValidation("default role id is required")
	}
	kind, err := assignmentKind(kind)
	if err != nil {
		return nil, err
	}
	if req.MailNickname == "" {
		req.MailNickname = domain.SanitizeNickname(strings.Split(req.UserPrincipalName, "@")[0])
	}

	user, err := s.dir.CreateUser(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", req.UserPrincipalName, err)
	}
	if _, err := s.dir.AssignRole(ctx, user.ID, defaultRoleID, kind); err != nil {
		return user, fmt.Errorf("assign default role %s to %s: %w", defaultRoleID, user.ID, err)
	}
	s.rec.record(ctx, user.ID, ResourceAutoProvision, "provision:"+defaultRoleID)
	return user, nil
}

// HasPermission reports whether any role assigned directly to the user
// carries permission.
func (s *RoleService) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(permission) == "" {
		return false, domain.ErrValidation("user id and permission are required")
	}
	assignments, err := s.dir.ListRoleAssignments(ctx)
	if err != nil {
		return false, fmt.Errorf("list role assignments: %w", err)
	}
	held := make(map[string]bool)
	for _, a := range assignments {
		if a.PrincipalID == userID {
			held[a.RoleID] = true
		}
	}
	if len(held) == 0 {
		return false, nil
	}
	roles, err := s.dir.ListRoles(ctx)
	if err != nil {
		return false, fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if held[r.ID] && slices.Contains(r.Permissions, permission) {
			return true, nil
		}
	}
	return false, nil
}

func (s *RoleService) heldRoles(ctx context.Context, userID string, kind domain.AssignmentKind) ([]string, error) {
	assignments, err := s.dir.ListRoleAssignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}
	var out []string
	for _, a := range assignments {
		if a.PrincipalID == userID && a.Kind == kind {
			out = append(out, a.RoleID)
		}
	}
	return out, nil
}

// assignmentKind defaults an empty kind to directory.
func assignmentKind(kind domain.AssignmentKind) (domain.AssignmentKind, error) {
	if kind == "" {
		kind = domain.AssignmentDirectory
	}
	if !kind.Valid() {
		return "", domain.ErrValidation("invalid assignment kind %q", kind)
	}
	return kind, nil
}
