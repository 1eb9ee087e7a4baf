package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"

	"idgov/internal/domain"
)

// DefaultGraphBaseURL is the v1.0 Graph endpoint of the public cloud.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

var _ domain.Directory = (*GraphClient)(nil)

// GraphOptions configures a GraphClient.
type GraphOptions struct {
	BaseURL string
	// AppID is the client id of the application that owns the app roles.
	AppID string
	// ServicePrincipalID is the object id of the application's service
	// principal. It is looked up by AppID when empty.
	ServicePrincipalID string
}

// GraphClient implements domain.Directory on top of the Microsoft Graph API.
type GraphClient struct {
	rest  restClient
	appID string

	spMu sync.Mutex
	spID string
}

// NewGraphClient creates a GraphClient. httpClient must already carry
// authentication; see Credentials.HTTPClient.
func NewGraphClient(httpClient *http.Client, opts GraphOptions, logger *slog.Logger) *GraphClient {
	base := opts.BaseURL
	if base == "" {
		base = DefaultGraphBaseURL
	}
	return &GraphClient{
		rest: restClient{
			baseURL: strings.TrimRight(base, "/"),
			http:    httpClient,
			logger:  logger.With("component", "graph-client"),
		},
		appID: opts.AppID,
		spID:  opts.ServicePrincipalID,
	}
}

// ListUsers returns every user in the tenant.
func (c *GraphClient) ListUsers(ctx context.Context) ([]domain.Principal, error) {
	var out []domain.Principal
	err := c.rest.each(ctx, "/users?$select=id,displayName,userPrincipalName,mailNickname,department", func(item []byte) error {
		p := domain.Principal{
			ID:                getString(item, "id"),
			DisplayName:       getString(item, "displayName"),
			UserPrincipalName: getString(item, "userPrincipalName"),
			MailNickname:      getString(item, "mailNickname"),
		}
		if d := getString(item, "department"); d != "" {
			p.Department = &d
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

// ListGroups returns every group in the tenant.
func (c *GraphClient) ListGroups(ctx context.Context) ([]domain.Group, error) {
	var out []domain.Group
	err := c.rest.each(ctx, "/groups?$select=id,displayName,description,mailNickname", func(item []byte) error {
		out = append(out, parseGroup(item))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return out, nil
}

// ListRoles returns directory role definitions followed by the application's
// app roles.
func (c *GraphClient) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var out []domain.Role
	err := c.rest.each(ctx, "/roleManagement/directory/roleDefinitions", func(item []byte) error {
		out = append(out, parseRoleDefinition(item))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list role definitions: %w", err)
	}

	if c.appID == "" && c.spID == "" {
		return out, nil
	}
	sp, err := c.servicePrincipalPath()
	if err != nil {
		return nil, err
	}
	raw, err := c.rest.do(ctx, http.MethodGet, sp+"?$select=appRoles", nil)
	if err != nil {
		return nil, fmt.Errorf("list app roles: %w", err)
	}
	_, err = jsonparser.ArrayEach(raw, func(item []byte, _ jsonparser.ValueType, _ int, _ error) {
		out = append(out, domain.Role{
			ID:          getString(item, "id"),
			Name:        firstNonEmpty(getString(item, "value"), getString(item, "displayName")),
			Description: getString(item, "description"),
			Kind:        domain.RoleKindApp,
		})
	}, "appRoles")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, fmt.Errorf("decode app roles: %w", err)
	}
	return out, nil
}

// ListRoleAssignments returns directory role assignments followed by app role
// assignments on the application's service principal.
func (c *GraphClient) ListRoleAssignments(ctx context.Context) ([]domain.RoleAssignment, error) {
	var out []domain.RoleAssignment
	err := c.rest.each(ctx, "/roleManagement/directory/roleAssignments", func(item []byte) error {
		out = append(out, domain.RoleAssignment{
			ID:          getString(item, "id"),
			PrincipalID: getString(item, "principalId"),
			RoleID:      getString(item, "roleDefinitionId"),
			Kind:        domain.AssignmentDirectory,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list directory role assignments: %w", err)
	}

	if c.appID == "" && c.spID == "" {
		return out, nil
	}
	sp, err := c.servicePrincipalPath()
	if err != nil {
		return nil, err
	}
	err = c.rest.each(ctx, sp+"/appRoleAssignedTo", func(item []byte) error {
		out = append(out, domain.RoleAssignment{
			ID:          getString(item, "id"),
			PrincipalID: getString(item, "principalId"),
			RoleID:      getString(item, "appRoleId"),
			Kind:        domain.AssignmentApp,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list app role assignments: %w", err)
	}
	return out, nil
}

// ListGroupMembers returns the direct user and group members of a group.
func (c *GraphClient) ListGroupMembers(ctx context.Context, groupID string) ([]domain.GroupMembership, error) {
	var out []domain.GroupMembership
	path := "/groups/" + url.PathEscape(groupID) + "/members?$select=id"
	err := c.rest.each(ctx, path, func(item []byte) error {
		var memberType string
		switch getString(item, "@odata.type") {
		case "#microsoft.graph.user":
			memberType = "user"
		case "#microsoft.graph.group":
			memberType = "group"
		default:
			return nil
		}
		out = append(out, domain.GroupMembership{
			GroupID:    groupID,
			MemberID:   getString(item, "id"),
			MemberType: memberType,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list members of group %s: %w", groupID, err)
	}
	return out, nil
}

// CreateUser provisions an enabled user with a one-time password.
func (c *GraphClient) CreateUser(ctx context.Context, req domain.CreateUserRequest) (*domain.Principal, error) {
	body := map[string]any{
		"accountEnabled":    true,
		"displayName":       req.DisplayName,
		"mailNickname":      domain.SanitizeNickname(firstNonEmpty(req.MailNickname, req.DisplayName)),
		"userPrincipalName": req.UserPrincipalName,
		"passwordProfile": map[string]any{
			"forceChangePasswordNextSignIn": true,
			"password":                      req.Password,
		},
	}
	if req.Department != "" {
		body["department"] = req.Department
	}
	raw, err := c.rest.do(ctx, http.MethodPost, "/users", body)
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", req.UserPrincipalName, err)
	}
	p := &domain.Principal{
		ID:                getString(raw, "id"),
		DisplayName:       getString(raw, "displayName"),
		UserPrincipalName: getString(raw, "userPrincipalName"),
		MailNickname:      getString(raw, "mailNickname"),
	}
	if req.Department != "" {
		d := req.Department
		p.Department = &d
	}
	return p, nil
}

// CreateGroup creates a security group. The mail nickname is sanitized.
func (c *GraphClient) CreateGroup(ctx context.Context, g domain.Group) (*domain.Group, error) {
	body := map[string]any{
		"displayName":     g.DisplayName,
		"description":     g.Description,
		"mailEnabled":     false,
		"securityEnabled": true,
		"mailNickname":    domain.SanitizeNickname(firstNonEmpty(g.MailNickname, g.DisplayName)),
	}
	raw, err := c.rest.do(ctx, http.MethodPost, "/groups", body)
	if err != nil {
		return nil, fmt.Errorf("create group %s: %w", g.DisplayName, err)
	}
	created := parseGroup(raw)
	return &created, nil
}

// FindGroupByName returns the first group with the display name.
func (c *GraphClient) FindGroupByName(ctx context.Context, displayName string) (*domain.Group, error) {
	q := url.Values{}
	q.Set("$filter", "displayName eq "+odataQuote(displayName))
	q.Set("$select", "id,displayName,description,mailNickname")

	var found *domain.Group
	err := c.rest.each(ctx, "/groups?"+q.Encode(), func(item []byte) error {
		if found == nil {
			g := parseGroup(item)
			found = &g
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find group %q: %w", displayName, err)
	}
	if found == nil {
		return nil, domain.ErrNotFound("group %q not found", displayName)
	}
	return found, nil
}

// AddGroupMember adds a user or group to a group. Adding an existing member
// is not an error.
func (c *GraphClient) AddGroupMember(ctx context.Context, groupID, memberID string) error {
	body := map[string]string{"@odata.id": c.rest.baseURL + "/directoryObjects/" + memberID}
	_, err := c.rest.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/members/$ref", body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest &&
			strings.Contains(apiErr.Message, "already exist") {
			return nil
		}
		return fmt.Errorf("add %s to group %s: %w", memberID, groupID, err)
	}
	return nil
}

// CreateRole creates a custom directory role definition.
func (c *GraphClient) CreateRole(ctx context.Context, r domain.Role) (*domain.Role, error) {
	perms := r.Permissions
	if perms == nil {
		perms = []string{}
	}
	body := map[string]any{
		"displayName": r.Name,
		"description": r.Description,
		"isEnabled":   true,
		"rolePermissions": []map[string]any{
			{"allowedResourceActions": perms},
		},
	}
	raw, err := c.rest.do(ctx, http.MethodPost, "/roleManagement/directory/roleDefinitions", body)
	if err != nil {
		return nil, fmt.Errorf("create role %s: %w", r.Name, err)
	}
	created := parseRoleDefinition(raw)
	return &created, nil
}

// DeleteRole deletes a custom directory role definition.
func (c *GraphClient) DeleteRole(ctx context.Context, roleID string) error {
	_, err := c.rest.do(ctx, http.MethodDelete, "/roleManagement/directory/roleDefinitions/"+url.PathEscape(roleID), nil)
	if err != nil {
		return fmt.Errorf("delete role %s: %w", roleID, err)
	}
	return nil
}

// EnsureAppRole returns the app role whose value is name, adding it to the
// application manifest when missing.
func (c *GraphClient) EnsureAppRole(ctx context.Context, name, description string) (*domain.Role, error) {
	if c.appID == "" {
		return nil, domain.ErrValidation("app roles require an application id")
	}
	appPath := "/applications(appId=" + odataQuote(c.appID) + ")"
	raw, err := c.rest.do(ctx, http.MethodGet, appPath+"?$select=id,appRoles", nil)
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}

	var app struct {
		AppRoles []map[string]any `json:"appRoles"`
	}
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil, fmt.Errorf("decode application: %w", err)
	}
	for _, r := range app.AppRoles {
		if v, _ := r["value"].(string); v == name {
			id, _ := r["id"].(string)
			desc, _ := r["description"].(string)
			return &domain.Role{ID: id, Name: name, Description: desc, Kind: domain.RoleKindApp}, nil
		}
	}

	id := uuid.New().String()
	app.AppRoles = append(app.AppRoles, map[string]any{
		"id":                 id,
		"displayName":        name,
		"value":              name,
		"description":        description,
		"isEnabled":          true,
		"allowedMemberTypes": []string{"User", "Group"},
	})
	if _, err := c.rest.do(ctx, http.MethodPatch, appPath, map[string]any{"appRoles": app.AppRoles}); err != nil {
		return nil, fmt.Errorf("add app role %s: %w", name, err)
	}
	c.rest.logger.Info("app role created", "role", name, "role_id", id)
	return &domain.Role{ID: id, Name: name, Description: description, Kind: domain.RoleKindApp}, nil
}

// AssignRole assigns a directory role definition or an app role. It reports
// false when the assignment already exists.
func (c *GraphClient) AssignRole(ctx context.Context, principalID, roleID string, kind domain.AssignmentKind) (bool, error) {
	existing, err := c.findAssignment(ctx, principalID, roleID, kind)
	if err != nil {
		return false, err
	}
	if existing != "" {
		return false, nil
	}

	switch kind {
	case domain.AssignmentDirectory:
		body := map[string]string{
			"principalId":      principalID,
			"roleDefinitionId": roleID,
			"directoryScopeId": "/",
		}
		if _, err := c.rest.do(ctx, http.MethodPost, "/roleManagement/directory/roleAssignments", body); err != nil {
			return false, fmt.Errorf("assign directory role %s to %s: %w", roleID, principalID, err)
		}
	case domain.AssignmentApp:
		sp, spID, err := c.servicePrincipal(ctx)
		if err != nil {
			return false, err
		}
		body := map[string]string{
			"principalId": principalID,
			"resourceId":  spID,
			"appRoleId":   roleID,
		}
		if _, err := c.rest.do(ctx, http.MethodPost, sp+"/appRoleAssignedTo", body); err != nil {
			return false, fmt.Errorf("assign app role %s to %s: %w", roleID, principalID, err)
		}
	default:
		return false, domain.ErrValidation("invalid assignment kind %q", kind)
	}
	return true, nil
}

// RemoveRole deletes an existing assignment.
func (c *GraphClient) RemoveRole(ctx context.Context, principalID, roleID string, kind domain.AssignmentKind) error {
	id, err := c.findAssignment(ctx, principalID, roleID, kind)
	if err != nil {
		return err
	}
	if id == "" {
		return domain.ErrNotFound("%s role %s is not assigned to %s", kind, roleID, principalID)
	}

	var path string
	if kind == domain.AssignmentDirectory {
		path = "/roleManagement/directory/roleAssignments/" + url.PathEscape(id)
	} else {
		sp, _, err := c.servicePrincipal(ctx)
		if err != nil {
			return err
		}
		path = sp + "/appRoleAssignedTo/" + url.PathEscape(id)
	}
	if _, err := c.rest.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("remove %s role %s from %s: %w", kind, roleID, principalID, err)
	}
	return nil
}

// findAssignment returns the id of the matching assignment, or "".
func (c *GraphClient) findAssignment(ctx context.Context, principalID, roleID string, kind domain.AssignmentKind) (string, error) {
	var path, roleField string
	switch kind {
	case domain.AssignmentDirectory:
		q := url.Values{}
		q.Set("$filter", "principalId eq "+odataQuote(principalID)+" and roleDefinitionId eq "+odataQuote(roleID))
		path = "/roleManagement/directory/roleAssignments?" + q.Encode()
		roleField = "roleDefinitionId"
	case domain.AssignmentApp:
		sp, _, err := c.servicePrincipal(ctx)
		if err != nil {
			return "", err
		}
		// appRoleAssignedTo only supports filtering on principal fields.
		path = sp + "/appRoleAssignedTo"
		roleField = "appRoleId"
	default:
		return "", domain.ErrValidation("invalid assignment kind %q", kind)
	}

	var found string
	err := c.rest.each(ctx, path, func(item []byte) error {
		if found == "" && getString(item, "principalId") == principalID && getString(item, roleField) == roleID {
			found = getString(item, "id")
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("look up %s assignment of %s to %s: %w", kind, roleID, principalID, err)
	}
	return found, nil
}

func (c *GraphClient) servicePrincipalPath() (string, error) {
	c.spMu.Lock()
	defer c.spMu.Unlock()
	if c.spID != "" {
		return "/servicePrincipals/" + url.PathEscape(c.spID), nil
	}
	if c.appID == "" {
		return "", domain.ErrValidation("app roles require an application id")
	}
	return "/servicePrincipals(appId=" + odataQuote(c.appID) + ")", nil
}

// servicePrincipal returns the request path and the object id of the
// application's service principal, resolving the id once.
func (c *GraphClient) servicePrincipal(ctx context.Context) (string, string, error) {
	c.spMu.Lock()
	id := c.spID
	c.spMu.Unlock()
	if id != "" {
		return "/servicePrincipals/" + url.PathEscape(id), id, nil
	}

	path, err := c.servicePrincipalPath()
	if err != nil {
		return "", "", err
	}
	raw, err := c.rest.do(ctx, http.MethodGet, path+"?$select=id", nil)
	if err != nil {
		return "", "", fmt.Errorf("resolve service principal: %w", err)
	}
	id = getString(raw, "id")
	if id == "" {
		return "", "", fmt.Errorf("resolve service principal: response has no id")
	}

	c.spMu.Lock()
	c.spID = id
	c.spMu.Unlock()
	return "/servicePrincipals/" + url.PathEscape(id), id, nil
}

func parseGroup(raw []byte) domain.Group {
	return domain.Group{
		ID:           getString(raw, "id"),
		DisplayName:  getString(raw, "displayName"),
		Description:  getString(raw, "description"),
		MailNickname: getString(raw, "mailNickname"),
	}
}

func parseRoleDefinition(raw []byte) domain.Role {
	r := domain.Role{
		ID:          getString(raw, "id"),
		Name:        getString(raw, "displayName"),
		Description: getString(raw, "description"),
		Kind:        domain.RoleKindCustom,
	}
	if builtin, err := jsonparser.GetBoolean(raw, "isBuiltIn"); err == nil && builtin {
		r.Kind = domain.RoleKindBuiltin
	}
	_, _ = jsonparser.ArrayEach(raw, func(perm []byte, _ jsonparser.ValueType, _ int, _ error) {
		_, _ = jsonparser.ArrayEach(perm, func(action []byte, typ jsonparser.ValueType, _ int, _ error) {
			if typ == jsonparser.String {
				r.Permissions = append(r.Permissions, string(action))
			}
		}, "allowedResourceActions")
	}, "rolePermissions")
	return r
}
