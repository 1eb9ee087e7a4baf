package directory

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idgov/internal/domain"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// graphStub serves canned responses keyed by "METHOD path" and records
// every request it receives.
type graphStub struct {
	t        *testing.T
	mu       sync.Mutex
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
	requests []recordedRequest
}

func newGraphStub(t *testing.T) (*graphStub, *httptest.Server) {
	stub := &graphStub{t: t, routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *graphStub) handle(method, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	s.routes[method+" "+path] = fn
}

func (s *graphStub) json(method, path string, status int, body string) {
	s.handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (s *graphStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
	}
	s.mu.Lock()
	s.requests = append(s.requests, rec)
	s.mu.Unlock()

	fn, ok := s.routes[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"Request_ResourceNotFound","message":"no route"}}`)
		return
	}
	fn(w, r)
}

func (s *graphStub) requestsFor(method, path string) []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedRequest
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func newTestClient(srv *httptest.Server, opts GraphOptions) *GraphClient {
	opts.BaseURL = srv.URL
	return NewGraphClient(srv.Client(), opts, slog.New(slog.DiscardHandler))
}

func TestListUsers_FollowsNextLink(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.handle(http.MethodGet, "/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = io.WriteString(w, `{"value":[{"id":"u2","displayName":"Bob","userPrincipalName":"bob@x"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"value":[{"id":"u1","displayName":"Alice","userPrincipalName":"alice@x","department":"Finance"}],
			"@odata.nextLink":"`+srv.URL+`/users?page=2"}`)
	})

	c := newTestClient(srv, GraphOptions{})
	users, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	require.NotNil(t, users[0].Department)
	assert.Equal(t, "Finance", *users[0].Department)
	assert.Nil(t, users[1].Department)
}

func TestListRoles_DirectoryAndApp(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.json(http.MethodGet, "/roleManagement/directory/roleDefinitions", http.StatusOK, `{"value":[
		{"id":"r1","displayName":"Global Reader","isBuiltIn":true},
		{"id":"r2","displayName":"Finance Admin","isBuiltIn":false,
		 "rolePermissions":[{"allowedResourceActions":["microsoft.directory/users/manager/read"]}]}
	]}`)
	stub.json(http.MethodGet, "/servicePrincipals/sp-1", http.StatusOK, `{"appRoles":[
		{"id":"a1","value":"ResourceRole_kv","description":"kv access"}
	]}`)

	c := newTestClient(srv, GraphOptions{ServicePrincipalID: "sp-1"})
	roles, err := c.ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 3)
	assert.Equal(t, domain.RoleKindBuiltin, roles[0].Kind)
	assert.Equal(t, domain.RoleKindCustom, roles[1].Kind)
	assert.Equal(t, []string{"microsoft.directory/users/manager/read"}, roles[1].Permissions)
	assert.Equal(t, domain.Role{ID: "a1", Name: "ResourceRole_kv", Description: "kv access", Kind: domain.RoleKindApp}, roles[2])
}

func TestListGroupMembers_TypesMembers(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.json(http.MethodGet, "/groups/g1/members", http.StatusOK, `{"value":[
		{"@odata.type":"#microsoft.graph.user","id":"u1"},
		{"@odata.type":"#microsoft.graph.group","id":"g2"},
		{"@odata.type":"#microsoft.graph.device","id":"d1"}
	]}`)

	c := newTestClient(srv, GraphOptions{})
	members, err := c.ListGroupMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupMembership{
		{GroupID: "g1", MemberID: "u1", MemberType: "user"},
		{GroupID: "g1", MemberID: "g2", MemberType: "group"},
	}, members)
}

func TestFindGroupByName(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.handle(http.MethodGet, "/groups", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$filter") == "displayName eq 'O''Brien Team'" {
			_, _ = io.WriteString(w, `{"value":[{"id":"g9","displayName":"O'Brien Team"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"value":[]}`)
	})

	c := newTestClient(srv, GraphOptions{})
	g, err := c.FindGroupByName(context.Background(), "O'Brien Team")
	require.NoError(t, err)
	assert.Equal(t, "g9", g.ID)

	_, err = c.FindGroupByName(context.Background(), "Missing")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCreateGroup_SanitizesNickname(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.json(http.MethodPost, "/groups", http.StatusCreated, `{"id":"g1","displayName":"Finance Ops","mailNickname":"financeops"}`)

	c := newTestClient(srv, GraphOptions{})
	g, err := c.CreateGroup(context.Background(), domain.Group{DisplayName: "Finance Ops"})
	require.NoError(t, err)
	assert.Equal(t, "g1", g.ID)

	reqs := stub.requestsFor(http.MethodPost, "/groups")
	require.Len(t, reqs, 1)
	assert.Equal(t, "financeops", reqs[0].Body["mailNickname"])
	assert.Equal(t, true, reqs[0].Body["securityEnabled"])
}

func TestAddGroupMember_ExistingIsOK(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.json(http.MethodPost, "/groups/parent/members/$ref", http.StatusBadRequest,
		`{"error":{"code":"Request_BadRequest","message":"One or more added object references already exist for the following modified properties: 'members'."}}`)

	c := newTestClient(srv, GraphOptions{})
	require.NoError(t, c.AddGroupMember(context.Background(), "parent", "child"))

	reqs := stub.requestsFor(http.MethodPost, "/groups/parent/members/$ref")
	require.Len(t, reqs, 1)
	assert.Equal(t, srv.URL+"/directoryObjects/child", reqs[0].Body["@odata.id"])
}

func TestAddGroupMember_OtherErrorsSurface(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.json(http.MethodPost, "/groups/parent/members/$ref", http.StatusForbidden,
		`{"error":{"code":"Authorization_RequestDenied","message":"Insufficient privileges"}}`)

	c := newTestClient(srv, GraphOptions{})
	err := c.AddGroupMember(context.Background(), "parent", "child")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "Authorization_RequestDenied", apiErr.Code)
}

func TestAssignRole_Directory(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	assigned := false
	stub.handle(http.MethodGet, "/roleManagement/directory/roleAssignments", func(w http.ResponseWriter, _ *http.Request) {
		if assigned {
			_, _ = io.WriteString(w, `{"value":[{"id":"ra1","principalId":"u1","roleDefinitionId":"r1"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"value":[]}`)
	})
	stub.handle(http.MethodPost, "/roleManagement/directory/roleAssignments", func(w http.ResponseWriter, _ *http.Request) {
		assigned = true
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"ra1"}`)
	})

	c := newTestClient(srv, GraphOptions{})
	created, err := c.AssignRole(context.Background(), "u1", "r1", domain.AssignmentDirectory)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.AssignRole(context.Background(), "u1", "r1", domain.AssignmentDirectory)
	require.NoError(t, err)
	assert.False(t, created, "second assignment is skipped")

	posts := stub.requestsFor(http.MethodPost, "/roleManagement/directory/roleAssignments")
	require.Len(t, posts, 1)
	assert.Equal(t, "/", posts[0].Body["directoryScopeId"])
}

func TestAssignAndRemoveRole_App(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.json(http.MethodGet, "/servicePrincipals(appId='app-1')", http.StatusOK, `{"id":"sp-1"}`)
	stub.json(http.MethodGet, "/servicePrincipals/sp-1/appRoleAssignedTo", http.StatusOK,
		`{"value":[{"id":"asg-1","principalId":"u1","appRoleId":"role-a"}]}`)
	stub.json(http.MethodPost, "/servicePrincipals/sp-1/appRoleAssignedTo", http.StatusCreated, `{"id":"asg-2"}`)
	stub.handle(http.MethodDelete, "/servicePrincipals/sp-1/appRoleAssignedTo/asg-1", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(srv, GraphOptions{AppID: "app-1"})
	ctx := context.Background()

	created, err := c.AssignRole(ctx, "u1", "role-b", domain.AssignmentApp)
	require.NoError(t, err)
	assert.True(t, created)
	posts := stub.requestsFor(http.MethodPost, "/servicePrincipals/sp-1/appRoleAssignedTo")
	require.Len(t, posts, 1)
	assert.Equal(t, "sp-1", posts[0].Body["resourceId"])
	assert.Equal(t, "role-b", posts[0].Body["appRoleId"])

	require.NoError(t, c.RemoveRole(ctx, "u1", "role-a", domain.AssignmentApp))
	assert.Len(t, stub.requestsFor(http.MethodDelete, "/servicePrincipals/sp-1/appRoleAssignedTo/asg-1"), 1)

	err = c.RemoveRole(ctx, "u1", "role-zzz", domain.AssignmentApp)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)

	// The service principal id is resolved once.
	assert.Len(t, stub.requestsFor(http.MethodGet, "/servicePrincipals(appId='app-1')"), 1)
}

func TestEnsureAppRole(t *testing.T) {
	t.Parallel()
	stub, srv := newGraphStub(t)

	stub.json(http.MethodGet, "/applications(appId='app-1')", http.StatusOK, `{"id":"obj-1","appRoles":[
		{"id":"a1","value":"ResourceRole_kv","description":"existing","isEnabled":true}
	]}`)
	stub.handle(http.MethodPatch, "/applications(appId='app-1')", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(srv, GraphOptions{AppID: "app-1"})
	ctx := context.Background()

	r, err := c.EnsureAppRole(ctx, "ResourceRole_kv", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "a1", r.ID)
	assert.Empty(t, stub.requestsFor(http.MethodPatch, "/applications(appId='app-1')"))

	r, err = c.EnsureAppRole(ctx, "ResourceRole_db", "db access")
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, domain.RoleKindApp, r.Kind)

	patches := stub.requestsFor(http.MethodPatch, "/applications(appId='app-1')")
	require.Len(t, patches, 1)
	roles, ok := patches[0].Body["appRoles"].([]any)
	require.True(t, ok)
	assert.Len(t, roles, 2, "existing roles are preserved")
}

func TestEnsureAppRole_RequiresAppID(t *testing.T) {
	t.Parallel()
	_, srv := newGraphStub(t)

	c := newTestClient(srv, GraphOptions{})
	_, err := c.EnsureAppRole(context.Background(), "x", "y")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	assert.False(t, Credentials{TenantID: "t"}.Configured())
	c := Credentials{TenantID: "tenant-1", ClientID: "c", ClientSecret: "s"}
	assert.True(t, c.Configured())
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token", c.TokenURL())

	c.AuthorityURL = "http://localhost:9999/"
	assert.Equal(t, "http://localhost:9999/tenant-1/oauth2/v2.0/token", c.TokenURL())

	plain := Credentials{}.HTTPClient(context.Background(), GraphScope)
	assert.Equal(t, defaultHTTPTimeout, plain.Timeout)
}

func TestCredentials_AttachesToken(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, ARMScope, r.Form.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(tokenSrv.Close)

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(api.Close)

	creds := Credentials{TenantID: "t1", ClientID: "c", ClientSecret: "s", AuthorityURL: tokenSrv.URL}
	client := creds.HTTPClient(context.Background(), ARMScope)
	resp, err := client.Get(api.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "Bearer tok-1", gotAuth)
}
