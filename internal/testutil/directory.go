package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"idgov/internal/domain"
)

// FakeDirectory is an in-memory domain.Directory. The Fn hooks inject
// failures; when a hook returns nil the call proceeds normally.
type FakeDirectory struct {
	mu          sync.Mutex
	seq         int
	users       map[string]domain.Principal
	groups      map[string]domain.Group
	roles       map[string]domain.Role
	assignments map[assignmentKey]domain.RoleAssignment
	members     map[string]map[string]domain.GroupMembership // group → member → membership

	AssignRoleFn  func(principalID, roleID string, kind domain.AssignmentKind) error
	RemoveRoleFn  func(principalID, roleID string, kind domain.AssignmentKind) error
	CreateGroupFn func(g domain.Group) error
	ListUsersFn   func() error
}

type assignmentKey struct {
	principal string
	role      string
	kind      domain.AssignmentKind
}

var _ domain.Directory = (*FakeDirectory)(nil)

// NewFakeDirectory returns an empty directory.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		users:       make(map[string]domain.Principal),
		groups:      make(map[string]domain.Group),
		roles:       make(map[string]domain.Role),
		assignments: make(map[assignmentKey]domain.RoleAssignment),
		members:     make(map[string]map[string]domain.GroupMembership),
	}
}

func (d *FakeDirectory) nextID(prefix string) string {
	d.seq++
	return fmt.Sprintf("%s-%d", prefix, d.seq)
}

// SeedUser adds a user without going through CreateUser.
func (d *FakeDirectory) SeedUser(p domain.Principal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[p.ID] = p
}

// SeedGroup adds a group without going through CreateGroup.
func (d *FakeDirectory) SeedGroup(g domain.Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[g.ID] = g
}

// SeedRole adds a role without going through CreateRole.
func (d *FakeDirectory) SeedRole(r domain.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[r.ID] = r
}

// HasAssignment reports whether the assignment exists.
func (d *FakeDirectory) HasAssignment(principalID, roleID string, kind domain.AssignmentKind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.assignments[assignmentKey{principalID, roleID, kind}]
	return ok
}

// AssignedRoles returns the role ids assigned to principalID under any kind.
func (d *FakeDirectory) AssignedRoles(principalID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for k := range d.assignments {
		if k.principal == principalID {
			out = append(out, k.role)
		}
	}
	sort.Strings(out)
	return out
}

// HasRole reports whether a role with the id exists.
func (d *FakeDirectory) HasRole(roleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.roles[roleID]
	return ok
}

// IsMember reports whether memberID is a direct member of groupID.
func (d *FakeDirectory) IsMember(groupID, memberID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.members[groupID][memberID]
	return ok
}

func (d *FakeDirectory) ListUsers(context.Context) ([]domain.Principal, error) {
	if d.ListUsersFn != nil {
		if err := d.ListUsersFn(); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Principal, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *FakeDirectory) ListGroups(context.Context) ([]domain.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Group, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *FakeDirectory) ListRoles(context.Context) ([]domain.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Role, 0, len(d.roles))
	for _, r := range d.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *FakeDirectory) ListRoleAssignments(context.Context) ([]domain.RoleAssignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.RoleAssignment, 0, len(d.assignments))
	for _, a := range d.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *FakeDirectory) ListGroupMembers(_ context.Context, groupID string) ([]domain.GroupMembership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[groupID]; !ok {
		return nil, domain.ErrNotFound("group %s not found", groupID)
	}
	out := make([]domain.GroupMembership, 0, len(d.members[groupID]))
	for _, m := range d.members[groupID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

func (d *FakeDirectory) CreateUser(_ context.Context, req domain.CreateUserRequest) (*domain.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if strings.EqualFold(u.UserPrincipalName, req.UserPrincipalName) {
			return nil, domain.ErrConflict("user %s already exists", req.UserPrincipalName)
		}
	}
	p := domain.Principal{
		ID:                d.nextID("user"),
		DisplayName:       req.DisplayName,
		UserPrincipalName: req.UserPrincipalName,
		MailNickname:      domain.SanitizeNickname(req.MailNickname),
	}
	if req.Department != "" {
		dept := req.Department
		p.Department = &dept
	}
	d.users[p.ID] = p
	return &p, nil
}

func (d *FakeDirectory) CreateGroup(_ context.Context, g domain.Group) (*domain.Group, error) {
	if d.CreateGroupFn != nil {
		if err := d.CreateGroupFn(g); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	g.ID = d.nextID("group")
	g.MailNickname = domain.SanitizeNickname(firstNonEmpty(g.MailNickname, g.DisplayName))
	d.groups[g.ID] = g
	return &g, nil
}

func (d *FakeDirectory) FindGroupByName(_ context.Context, displayName string) (*domain.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.groups))
	for id := range d.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if g := d.groups[id]; g.DisplayName == displayName {
			return &g, nil
		}
	}
	return nil, domain.ErrNotFound("group %q not found", displayName)
}

func (d *FakeDirectory) AddGroupMember(_ context.Context, groupID, memberID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[groupID]; !ok {
		return domain.ErrNotFound("group %s not found", groupID)
	}
	memberType := "user"
	if _, ok := d.groups[memberID]; ok {
		memberType = "group"
	}
	if d.members[groupID] == nil {
		d.members[groupID] = make(map[string]domain.GroupMembership)
	}
	d.members[groupID][memberID] = domain.GroupMembership{GroupID: groupID, MemberID: memberID, MemberType: memberType}
	return nil
}

func (d *FakeDirectory) CreateRole(_ context.Context, r domain.Role) (*domain.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.ID = d.nextID("role")
	if r.Kind == "" {
		r.Kind = domain.RoleKindCustom
	}
	d.roles[r.ID] = r
	return &r, nil
}

func (d *FakeDirectory) DeleteRole(_ context.Context, roleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.roles[roleID]; !ok {
		return domain.ErrNotFound("role %s not found", roleID)
	}
	delete(d.roles, roleID)
	return nil
}

func (d *FakeDirectory) EnsureAppRole(_ context.Context, name, description string) (*domain.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.roles {
		if r.Kind == domain.RoleKindApp && r.Name == name {
			return &r, nil
		}
	}
	r := domain.Role{ID: d.nextID("approle"), Name: name, Description: description, Kind: domain.RoleKindApp}
	d.roles[r.ID] = r
	return &r, nil
}

func (d *FakeDirectory) AssignRole(_ context.Context, principalID, roleID string, kind domain.AssignmentKind) (bool, error) {
	if d.AssignRoleFn != nil {
		if err := d.AssignRoleFn(principalID, roleID, kind); err != nil {
			return false, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := assignmentKey{principalID, roleID, kind}
	if _, ok := d.assignments[k]; ok {
		return false, nil
	}
	d.assignments[k] = domain.RoleAssignment{ID: d.nextID("assignment"), PrincipalID: principalID, RoleID: roleID, Kind: kind}
	return true, nil
}

func (d *FakeDirectory) RemoveRole(_ context.Context, principalID, roleID string, kind domain.AssignmentKind) error {
	if d.RemoveRoleFn != nil {
		if err := d.RemoveRoleFn(principalID, roleID, kind); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := assignmentKey{principalID, roleID, kind}
	if _, ok := d.assignments[k]; !ok {
		return domain.ErrNotFound("assignment of %s to %s not found", roleID, principalID)
	}
	delete(d.assignments, k)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
