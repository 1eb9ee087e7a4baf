// Package importer provisions demo users, groups, roles and departments in
// the directory from a YAML or JSON document.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"idgov/internal/domain"
	"idgov/internal/service/dirsync"
)

// DefaultPermission is given to roles declared without permissions.
const DefaultPermission = "microsoft.directory/users/manager/read"

// maxCustomRoles is the tenant limit on custom role definitions.
const maxCustomRoles = 100

// Departments is the part of access.DepartmentService the importer needs.
type Departments interface {
	Create(ctx context.Context, req domain.CreateDepartmentRequest) (*domain.Department, error)
	AssignUser(ctx context.Context, name, userID string) error
	AssignResourceToGroup(ctx context.Context, groupID, resource string) error
}

// Syncer refreshes the graph after the import.
type Syncer interface {
	Sync(ctx context.Context) (*dirsync.Result, error)
}

// Options configures a Service.
type Options struct {
	TenantDomain string
	// InitialPassword is set on created users. A random one is generated
	// per user when empty.
	InitialPassword string
	// DepartmentResources are granted to auto-provisioned departments.
	DepartmentResources []string
}

// Result counts what an import created.
type Result struct {
	RolesCreated       int `json:"rolesCreated"`
	GroupsCreated      int `json:"groupsCreated"`
	UsersCreated       int `json:"usersCreated"`
	UsersSkipped       int `json:"usersSkipped"`
	DepartmentsCreated int `json:"departmentsCreated"`
	Failures           int `json:"failures"`
}

// Service runs imports.
type Service struct {
	dir         domain.Directory
	departments Departments
	syncer      Syncer
	opts        Options
	logger      *slog.Logger
}

// New creates a Service. syncer may be nil.
func New(dir domain.Directory, departments Departments, syncer Syncer, opts Options, logger *slog.Logger) *Service {
	return &Service{
		dir:         dir,
		departments: departments,
		syncer:      syncer,
		opts:        opts,
		logger:      logger.With("component", "importer"),
	}
}

// ImportFile reads path and imports it.
func (s *Service) ImportFile(ctx context.Context, path string) (*Result, error) {
	doc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	s.logger.Info("importing demo data", "path", path)
	return s.Import(ctx, doc)
}

// Import provisions doc. Failures of individual items do not stop the
// import; they are combined into the returned error alongside the result.
func (s *Service) Import(ctx context.Context, doc *Document) (*Result, error) {
	if s.opts.TenantDomain == "" {
		return nil, domain.ErrValidation("tenant domain is required to create users")
	}
	run := &importRun{Service: s, res: &Result{}}
	run.loadExisting(ctx)
	run.createRoles(ctx, doc.Roles)
	run.createGroups(ctx, doc.Groups)
	run.provisionDepartments(ctx, doc.Users)
	run.createUsers(ctx, doc.Users)

	if s.syncer != nil {
		if _, err := s.syncer.Sync(ctx); err != nil {
			run.fail(fmt.Errorf("directory sync: %w", err))
		}
	}

	s.logger.Info("demo data import complete",
		"roles_created", run.res.RolesCreated,
		"groups_created", run.res.GroupsCreated,
		"users_created", run.res.UsersCreated,
		"departments_created", run.res.DepartmentsCreated,
		"failures", run.res.Failures,
	)
	return run.res, run.errs
}

type importRun struct {
	*Service
	res  *Result
	errs error

	roles  map[string]string // name → id
	groups map[string]string // display name → id
	upns   map[string]bool   // lower-cased
	custom int
}

func (r *importRun) fail(err error) {
	r.res.Failures++
	r.errs = multierr.Append(r.errs, err)
	r.logger.Warn("import item failed", "error", err)
}

func (r *importRun) loadExisting(ctx context.Context) {
	r.roles = make(map[string]string)
	r.groups = make(map[string]string)
	r.upns = make(map[string]bool)

	if roles, err := r.dir.ListRoles(ctx); err != nil {
		r.fail(fmt.Errorf("list roles: %w", err))
	} else {
		for _, role := range roles {
			r.roles[role.Name] = role.ID
			if role.Kind == domain.RoleKindCustom {
				r.custom++
			}
		}
	}
	if groups, err := r.dir.ListGroups(ctx); err != nil {
		r.fail(fmt.Errorf("list groups: %w", err))
	} else {
		for _, g := range groups {
			r.groups[g.DisplayName] = g.ID
		}
	}
	if users, err := r.dir.ListUsers(ctx); err != nil {
		r.fail(fmt.Errorf("list users: %w", err))
	} else {
		for _, u := range users {
			r.upns[strings.ToLower(u.UserPrincipalName)] = true
		}
	}
}

func (r *importRun) createRoles(ctx context.Context, roles []RoleData) {
	for _, rd := range roles {
		if rd.Name == "" {
			continue
		}
		if _, ok := r.roles[rd.Name]; ok {
			continue
		}
		if _, err := r.createRole(ctx, rd.Name, rd.Description, rd.Permissions); err != nil {
			r.fail(err)
		}
	}
}

func (r *importRun) createRole(ctx context.Context, name, description string, perms []string) (string, error) {
	if r.custom >= maxCustomRoles {
		return "", fmt.Errorf("role %q: custom role limit of %d reached", name, maxCustomRoles)
	}
	if len(perms) == 0 {
		perms = []string{DefaultPermission}
	}
	role, err := r.dir.CreateRole(ctx, domain.Role{
		Name:        name,
		Description: description,
		Permissions: perms,
		Kind:        domain.RoleKindCustom,
	})
	if err != nil {
		return "", fmt.Errorf("create role %q: %w", name, err)
	}
	r.roles[name] = role.ID
	r.custom++
	r.res.RolesCreated++
	return role.ID, nil
}

func (r *importRun) createGroups(ctx context.Context, groups []GroupData) {
	for _, gd := range groups {
		if gd.Name == "" {
			continue
		}
		id, ok := r.groups[gd.Name]
		if !ok {
			g, err := r.dir.CreateGroup(ctx, domain.Group{
				DisplayName:  gd.Name,
				Description:  gd.Description,
				MailNickname: domain.SanitizeNickname(gd.Name),
			})
			if err != nil {
				r.fail(fmt.Errorf("create group %q: %w", gd.Name, err))
				continue
			}
			id = g.ID
			r.groups[gd.Name] = id
			r.res.GroupsCreated++
		}
		r.grantResources(ctx, id, gd.Permissions)
	}
}

// provisionDepartments creates one department per distinct user department,
// nested under the group of the first user that names it.
func (r *importRun) provisionDepartments(ctx context.Context, users []UserData) {
	if r.departments == nil {
		return
	}
	seen := make(map[string]bool)
	for _, ud := range users {
		name := strings.TrimSpace(ud.Department)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		_, err := r.departments.Create(ctx, domain.CreateDepartmentRequest{
			Name:        name,
			Description: "Department " + name,
			Resources:   r.opts.DepartmentResources,
			ParentGroup: ud.Group,
		})
		var conflict *domain.ConflictError
		switch {
		case err == nil:
			r.res.DepartmentsCreated++
		case errors.As(err, &conflict):
		default:
			r.fail(fmt.Errorf("create department %q under %q: %w", name, ud.Group, err))
		}
	}
}

func (r *importRun) createUsers(ctx context.Context, users []UserData) {
	for _, ud := range users {
		if strings.TrimSpace(ud.Name) == "" {
			r.fail(domain.ErrValidation("user without a name"))
			continue
		}
		nick := domain.SanitizeNickname(strings.Fields(ud.Name)[0])
		upn := nick + "@" + r.opts.TenantDomain
		if r.upns[strings.ToLower(upn)] {
			r.res.UsersSkipped++
			continue
		}

		password := r.opts.InitialPassword
		if password == "" {
			password = "Aa1!" + uuid.NewString()
		}
		u, err := r.dir.CreateUser(ctx, domain.CreateUserRequest{
			DisplayName:       ud.Name,
			UserPrincipalName: upn,
			MailNickname:      nick,
			Department:        strings.TrimSpace(ud.Department),
			Password:          password,
		})
		if err != nil {
			r.fail(fmt.Errorf("create user %q: %w", ud.Name, err))
			continue
		}
		r.upns[strings.ToLower(upn)] = true
		r.res.UsersCreated++

		r.assignUser(ctx, u.ID, ud)
	}
}

func (r *importRun) assignUser(ctx context.Context, userID string, ud UserData) {
	if ud.Role != "" {
		roleID, ok := r.roles[ud.Role]
		if !ok {
			var err error
			if roleID, err = r.createRole(ctx, ud.Role, "Role for "+ud.Name, nil); err != nil {
				r.fail(err)
			}
		}
		if roleID != "" {
			if _, err := r.dir.AssignRole(ctx, userID, roleID, domain.AssignmentDirectory); err != nil {
				r.fail(fmt.Errorf("assign role %q to %s: %w", ud.Role, userID, err))
			}
		}
	}

	r.grantResources(ctx, userID, ud.Permissions)

	if groupID, ok := r.groups[ud.Group]; ok {
		if err := r.dir.AddGroupMember(ctx, groupID, userID); err != nil {
			r.fail(fmt.Errorf("add %s to group %q: %w", userID, ud.Group, err))
		}
	}

	if dept := strings.TrimSpace(ud.Department); dept != "" && r.departments != nil {
		if err := r.departments.AssignUser(ctx, dept, userID); err != nil {
			r.fail(fmt.Errorf("assign %s to department %q: %w", userID, dept, err))
		}
	}
}

func (r *importRun) grantResources(ctx context.Context, principalID string, resources []string) {
	if r.departments == nil {
		return
	}
	for _, res := range resources {
		if err := r.departments.AssignResourceToGroup(ctx, principalID, res); err != nil {
			r.fail(err)
		}
	}
}
