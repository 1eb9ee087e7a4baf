package domain

import "context"

// Directory is the external identity provider: principals, groups, role
// definitions and role assignments.
type Directory interface {
	ListUsers(ctx context.Context) ([]Principal, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListRoleAssignments(ctx context.Context) ([]RoleAssignment, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]GroupMembership, error)

	CreateUser(ctx context.Context, req CreateUserRequest) (*Principal, error)
	CreateGroup(ctx context.Context, g Group) (*Group, error)
	// FindGroupByName returns a NotFoundError when no group has the display name.
	FindGroupByName(ctx context.Context, displayName string) (*Group, error)
	AddGroupMember(ctx context.Context, groupID, memberID string) error

	CreateRole(ctx context.Context, r Role) (*Role, error)
	DeleteRole(ctx context.Context, roleID string) error
	// EnsureAppRole returns the application role with the given name, creating it if needed.
	EnsureAppRole(ctx context.Context, name, description string) (*Role, error)

	// AssignRole assigns roleID to principalID. It returns false without error
	// when the assignment already exists.
	AssignRole(ctx context.Context, principalID, roleID string, kind AssignmentKind) (bool, error)
	// RemoveRole removes the assignment. It returns a NotFoundError when none exists.
	RemoveRole(ctx context.Context, principalID, roleID string, kind AssignmentKind) error
}

// CreateUserRequest holds parameters for provisioning a directory user.
type CreateUserRequest struct {
	DisplayName       string
	UserPrincipalName string
	MailNickname      string
	Department        string
	Password          string
}

// Snapshot is a point-in-time copy of directory state for graph projection.
type Snapshot struct {
	Users       []Principal
	Groups      []Group
	Roles       []Role
	Assignments []RoleAssignment
	Memberships []GroupMembership
	Departments []Department
}
