package projection

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idgov/internal/clock"
	"idgov/internal/db"
	"idgov/internal/domain"
	"idgov/internal/graph"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts Options) (*Projector, *graph.SQLiteStore, *clock.FakeClock) {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t)
	store := graph.NewSQLiteStore(writeDB, readDB)
	clk := clock.NewFake(t0)
	return New(store, clk, opts, slog.New(slog.DiscardHandler)), store, clk
}

func strPtr(s string) *string { return &s }

func testSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Users: []domain.Principal{
			{ID: "u1", DisplayName: "Alice", UserPrincipalName: "alice@example.com", Department: strPtr("Finance")},
			{ID: "u2", DisplayName: "Bob", UserPrincipalName: "bob@example.com", Department: strPtr("Unknown")},
		},
		Groups: []domain.Group{
			{ID: "g-fin", DisplayName: "Finance"},
			{ID: "g-all", DisplayName: "AllStaff"},
		},
		Roles: []domain.Role{
			{ID: "r1", Name: "Reader", Permissions: []string{"read"}, Kind: domain.RoleKindCustom},
		},
		Assignments: []domain.RoleAssignment{
			{PrincipalID: "u1", RoleID: "r1", Kind: domain.AssignmentDirectory},
			{PrincipalID: "g-fin", RoleID: "r1", Kind: domain.AssignmentDirectory},
		},
		Memberships: []domain.GroupMembership{
			{GroupID: "g-fin", MemberID: "u1", MemberType: "user"},
			{GroupID: "g-all", MemberID: "g-fin", MemberType: "group"},
		},
		Departments: []domain.Department{
			{Name: "Finance", ParentGroup: "AllStaff", Resources: []string{"ledger"}},
		},
	}
}

func TestProjectSnapshot_Shape(t *testing.T) {
	t.Parallel()
	p, store, _ := setup(t, Options{})
	ctx := context.Background()

	res, err := p.ProjectSnapshot(ctx, testSnapshot())
	require.NoError(t, err)
	assert.Zero(t, res.Failed())

	for _, e := range []struct {
		from graph.NodeRef
		rel  string
		to   graph.NodeRef
	}{
		{graph.Ref(graph.LabelUser, "u1"), graph.RelHasRole, graph.Ref(graph.LabelRole, "r1")},
		{graph.Ref(graph.LabelGroup, "g-fin"), graph.RelHasRole, graph.Ref(graph.LabelRole, "r1")},
		{graph.Ref(graph.LabelUser, "u1"), graph.RelMemberOf, graph.Ref(graph.LabelGroup, "g-fin")},
		{graph.Ref(graph.LabelGroup, "g-fin"), graph.RelChildOf, graph.Ref(graph.LabelGroup, "g-all")},
		{graph.Ref(graph.LabelUser, "u1"), graph.RelBelongsTo, graph.Ref(graph.LabelDepartment, "Finance")},
		{graph.Ref(graph.LabelDepartment, "Finance"), graph.RelHasADGroup, graph.Ref(graph.LabelGroup, "g-fin")},
		{graph.Ref(graph.LabelDepartment, "Finance"), graph.RelNestedUnder, graph.Ref(graph.LabelGroup, "g-all")},
	} {
		_, err := store.Edge(ctx, e.from, e.rel, e.to)
		assert.NoError(t, err, "%s -[%s]-> %s", e.from.Key, e.rel, e.to.Key)
	}

	// Users only belong to departments that exist.
	_, err = store.Edge(ctx, graph.Ref(graph.LabelUser, "u2"), graph.RelBelongsTo, graph.Ref(graph.LabelDepartment, "Unknown"))
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)

	role, err := store.Node(ctx, graph.Ref(graph.LabelRole, "r1"))
	require.NoError(t, err)
	assert.Equal(t, "Reader", role.Props["roleName"])
	assert.Equal(t, []any{"read"}, role.Props["permissions"])
}

func TestProjectSnapshot_Idempotent(t *testing.T) {
	t.Parallel()
	p, store, clk := setup(t, Options{})
	ctx := context.Background()

	_, err := p.ProjectSnapshot(ctx, testSnapshot())
	require.NoError(t, err)
	first, err := store.Counts(ctx)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	_, err = p.ProjectSnapshot(ctx, testSnapshot())
	require.NoError(t, err)
	second, err := store.Counts(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Nodes, second.Nodes)
	assert.Equal(t, first.Edges, second.Edges)
	assert.Equal(t, first.ByRel, second.ByRel)

	edge, err := store.Edge(ctx, graph.Ref(graph.LabelUser, "u1"), graph.RelHasRole, graph.Ref(graph.LabelRole, "r1"))
	require.NoError(t, err)
	assert.Equal(t, t0.Format(time.RFC3339Nano), edge.Props["assignedAt"])
	assert.Equal(t, t0.Add(time.Hour).Format(time.RFC3339Nano), edge.Props["lastSeen"])
	assert.Equal(t, true, edge.Props["active"])
}

func TestProjectSnapshot_SkipsRecordsWithoutID(t *testing.T) {
	t.Parallel()
	p, store, _ := setup(t, Options{})
	ctx := context.Background()

	res, err := p.ProjectSnapshot(ctx, domain.Snapshot{
		Users: []domain.Principal{{ID: ""}, {ID: "u1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCount())
	assert.Equal(t, 1, res.Written())

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Nodes)
}

func signIn(id, user, app, ts string) domain.LogRecord {
	return domain.LogRecord{
		Stream:   domain.StreamSignIns,
		Category: domain.CategorySecurity,
		Raw: []byte(`{"id":"` + id + `","createdDateTime":"` + ts + `","userId":"` + user +
			`","userPrincipalName":"` + user + `@example.com","appId":"` + app + `","appDisplayName":"Payroll"}`),
	}
}

func TestProjectLogs_FirstAccessOnlyOnce(t *testing.T) {
	t.Parallel()
	p, store, _ := setup(t, Options{})
	ctx := context.Background()

	_, err := p.ProjectLogs(ctx, domain.StreamSignIns, []domain.LogRecord{
		signIn("s1", "u1", "app-9", "2024-05-01T22:30:00Z"),
	})
	require.NoError(t, err)

	first, err := store.Edge(ctx, graph.Ref(graph.LabelUser, "u1"), graph.RelFirstAccess, graph.Ref(graph.LabelResource, "app-9"))
	require.NoError(t, err)
	assert.Equal(t, "s1", first.Props["sourceId"])
	assert.Equal(t, true, first.Props["offHours"])

	_, err = p.ProjectLogs(ctx, domain.StreamSignIns, []domain.LogRecord{
		signIn("s2", "u1", "app-9", "2024-05-02T09:00:00Z"),
	})
	require.NoError(t, err)

	first, err = store.Edge(ctx, graph.Ref(graph.LabelUser, "u1"), graph.RelFirstAccess, graph.Ref(graph.LabelResource, "app-9"))
	require.NoError(t, err)
	assert.Equal(t, "s1", first.Props["sourceId"])

	access, err := store.Edge(ctx, graph.Ref(graph.LabelUser, "u1"), graph.RelAccessed, graph.Ref(graph.LabelResource, "app-9"))
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T22:30:00Z", access.Props["firstSeen"])
	assert.Equal(t, "2024-05-02T09:00:00Z", access.Props["lastSeen"])
	assert.Equal(t, false, access.Props["offHours"])

	edges, err := store.Edges(ctx, graph.RelFirstAccess)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestProjectLogs_SensitivePatterns(t *testing.T) {
	t.Parallel()
	p, store, _ := setup(t, Options{SensitiveResources: []string{"VAULT"}})
	ctx := context.Background()

	_, err := p.ProjectLogs(ctx, domain.StreamSignIns, []domain.LogRecord{
		signIn("s1", "u1", "app-9", "2024-05-01T10:00:00Z"),
		signIn("s2", "u1", "keyvault-1", "2024-05-01T10:00:00Z"),
	})
	require.NoError(t, err)

	edges, err := store.Edges(ctx, graph.RelFirstAccess)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "keyvault-1", edges[0].To.Key)

	accessed, err := store.Edges(ctx, graph.RelAccessed)
	require.NoError(t, err)
	assert.Len(t, accessed, 2)
}

func TestProjectLogs_AuditNodeAndIdempotence(t *testing.T) {
	t.Parallel()
	p, store, _ := setup(t, Options{})
	ctx := context.Background()

	rec := domain.LogRecord{
		Stream:   domain.StreamDirectoryAudits,
		Category: domain.CategoryAdministrative,
		Raw: []byte(`{"id":"a1","activityDisplayName":"Add member to group","activityDateTime":"2024-05-01T10:15:00Z",
			"initiatedBy":{"user":{"id":"u1","userPrincipalName":"alice@example.com"}},
			"targetResources":[{"id":"g1","displayName":"Finance"}]}`),
	}
	for i := 0; i < 2; i++ {
		res, err := p.ProjectLogs(ctx, domain.StreamDirectoryAudits, []domain.LogRecord{rec, {Stream: domain.StreamDirectoryAudits, Raw: []byte(`{}`)}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.SkippedCount())
	}

	n, err := store.Node(ctx, graph.Ref(graph.LabelAuditLog, "a1"))
	require.NoError(t, err)
	assert.Equal(t, "Administrative", n.Props["category"])
	assert.Equal(t, "Add member to group", n.Props["operation"])
	assert.Equal(t, false, n.Props["offHours"])

	_, err = store.Edge(ctx, graph.Ref(graph.LabelUser, "u1"), graph.RelInitiated, graph.Ref(graph.LabelAuditLog, "a1"))
	require.NoError(t, err)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Nodes)
	assert.Equal(t, int64(1), counts.Edges)
}

type failingStore struct {
	graph.Store
}

func (failingStore) Update(context.Context, func(context.Context, graph.Tx) error) error {
	return errors.New("connection refused")
}

func TestProjector_StoreFailureIsProjectionError(t *testing.T) {
	t.Parallel()
	p := New(failingStore{}, clock.NewFake(t0), Options{}, slog.New(slog.DiscardHandler))

	_, err := p.ProjectLogs(context.Background(), domain.StreamSignIns, []domain.LogRecord{signIn("s1", "u1", "a", "2024-05-01T10:00:00Z")})
	var perr *domain.ProjectionError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestProjectAccessEvents(t *testing.T) {
	t.Parallel()
	p, store, _ := setup(t, Options{})
	ctx := context.Background()

	ev := domain.AccessEvent{
		ID:          "e1",
		PrincipalID: "u1",
		Resource:    "TemporaryAccess",
		Action:      "grant",
		Actor:       "admin@example.com",
		OccurredAt:  time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.RecordAccessEvent(ctx, ev))
	require.NoError(t, p.RecordAccessEvent(ctx, ev))

	n, err := store.Node(ctx, graph.Ref(graph.LabelAccessEvent, "e1"))
	require.NoError(t, err)
	assert.Equal(t, "TemporaryAccess", n.Props["resource"])
	assert.Equal(t, true, n.Props["offHours"])

	edges, err := store.Edges(ctx, graph.RelSubjectOf)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "u1", edges[0].From.Key)
}

func TestOffHours_Outside(t *testing.T) {
	t.Parallel()

	o := OffHours{Location: time.FixedZone("EDT", -4*3600), Start: 9 * 60, End: 17 * 60}

	assert.False(t, o.Outside(time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)))
	assert.True(t, o.Outside(time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, DefaultOffHours.Outside(time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)))
	assert.False(t, DefaultOffHours.Outside(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)))
}
