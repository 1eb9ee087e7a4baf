// Package projection merges directory state, log records and access events
// into the identity graph. Every write is a merge keyed by a natural id, so
// projecting the same input twice leaves the graph unchanged.
package projection

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"idgov/internal/clock"
	"idgov/internal/domain"
	"idgov/internal/graph"
)

// OffHours is the daily working window, evaluated in Location.
type OffHours struct {
	Location *time.Location
	Start    domain.TimeOfDay
	End      domain.TimeOfDay
}

// DefaultOffHours is 08:00–18:00 UTC.
var DefaultOffHours = OffHours{Location: time.UTC, Start: 8 * 60, End: 18 * 60}

// Outside reports whether ts falls outside [Start, End) in Location.
func (o OffHours) Outside(ts time.Time) bool {
	loc := o.Location
	if loc == nil {
		loc = time.UTC
	}
	return !domain.TimeOfDayOf(ts.In(loc)).Within(o.Start, o.End)
}

// Options configures a Projector.
type Options struct {
	OffHours OffHours
	// SensitiveResources restricts first-access markers to resources whose id
	// contains one of the patterns (case-insensitive). Empty marks every
	// resource.
	SensitiveResources []string
}

// Projector writes to a graph.Store. Calls are serialized so the
// first-access check and the access merge never interleave across runs.
type Projector struct {
	store  graph.Store
	clock  clock.Clock
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a Projector.
func New(store graph.Store, clk clock.Clock, opts Options, logger *slog.Logger) *Projector {
	if opts.OffHours.Location == nil {
		opts.OffHours.Location = time.UTC
	}
	if opts.OffHours.Start == 0 && opts.OffHours.End == 0 {
		opts.OffHours = DefaultOffHours
	}
	return &Projector{
		store:  store,
		clock:  clk,
		opts:   opts,
		logger: logger.With("component", "projector"),
	}
}

// run executes fn in one write transaction. When any item fails the whole
// transaction is rolled back and a *domain.ProjectionError is returned.
func (p *Projector) run(ctx context.Context, what string, fn func(ctx context.Context, tx graph.Tx, res *BatchResult)) (*BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	res := &BatchResult{}
	errItems := errors.New("item failures")
	err := p.store.Update(ctx, func(ctx context.Context, tx graph.Tx) error {
		res.Items = res.Items[:0]
		fn(ctx, tx, res)
		if res.Failed() > 0 {
			return errItems
		}
		return nil
	})

	switch {
	case errors.Is(err, errItems):
		perr := res.Err()
		p.logger.Error("projection rolled back", "batch", what, "failed", res.Failed(), "error", perr)
		return res, perr
	case err != nil:
		p.logger.Error("projection failed", "batch", what, "error", err)
		return res, &domain.ProjectionError{Failed: len(res.Items), Err: err}
	}

	p.logger.Info("projection complete",
		"batch", what,
		"written", res.Written(),
		"skipped", res.SkippedCount(),
		"duration", time.Since(start),
	)
	return res, nil
}

// ProjectSnapshot merges users, groups, roles, role assignments, group
// memberships and departments.
func (p *Projector) ProjectSnapshot(ctx context.Context, snap domain.Snapshot) (*BatchResult, error) {
	now := p.clock.Now().UTC()
	return p.run(ctx, "snapshot", func(ctx context.Context, tx graph.Tx, res *BatchResult) {
		groupIDs := make(map[string]bool, len(snap.Groups))
		for _, g := range snap.Groups {
			groupIDs[g.ID] = true
		}
		departments := make(map[string]string, len(snap.Departments))
		for _, d := range snap.Departments {
			departments[strings.ToLower(strings.TrimSpace(d.Name))] = strings.TrimSpace(d.Name)
		}
		link := func(from graph.NodeRef, rel string, to graph.NodeRef, extra map[string]any) error {
			set := map[string]any{"active": true, "lastSeen": now}
			for k, v := range extra {
				set[k] = v
			}
			return tx.MergeEdge(ctx, graph.EdgeSpec{
				From:        from,
				Rel:         rel,
				To:          to,
				SetOnCreate: map[string]any{"assignedAt": now},
				Set:         set,
			})
		}

		for _, u := range snap.Users {
			if u.ID == "" {
				res.skip("user")
				continue
			}
			props := map[string]any{
				"displayName":       u.DisplayName,
				"userPrincipalName": u.UserPrincipalName,
				"department":        "",
			}
			if u.Department != nil {
				props["department"] = *u.Department
			}
			err := tx.MergeNode(ctx, graph.Ref(graph.LabelUser, u.ID), props)
			if err == nil && u.Department != nil {
				if name, ok := departments[strings.ToLower(strings.TrimSpace(*u.Department))]; ok {
					err = link(graph.Ref(graph.LabelUser, u.ID), graph.RelBelongsTo, graph.Ref(graph.LabelDepartment, name), nil)
				}
			}
			res.add("user:"+u.ID, err)
		}

		for _, g := range snap.Groups {
			if g.ID == "" {
				res.skip("group")
				continue
			}
			err := tx.MergeNode(ctx, graph.Ref(graph.LabelGroup, g.ID), map[string]any{
				"displayName":  g.DisplayName,
				"description":  g.Description,
				"mailNickname": g.MailNickname,
			})
			res.add("group:"+g.ID, err)
		}

		for _, r := range snap.Roles {
			if r.ID == "" {
				res.skip("role")
				continue
			}
			perms := r.Permissions
			if perms == nil {
				perms = []string{}
			}
			err := tx.MergeNode(ctx, graph.Ref(graph.LabelRole, r.ID), map[string]any{
				"roleName":    r.Name,
				"description": r.Description,
				"kind":        string(r.Kind),
				"permissions": perms,
			})
			res.add("role:"+r.ID, err)
		}

		for _, a := range snap.Assignments {
			if a.PrincipalID == "" || a.RoleID == "" {
				res.skip("assignment")
				continue
			}
			from := graph.Ref(graph.LabelUser, a.PrincipalID)
			if groupIDs[a.PrincipalID] {
				from = graph.Ref(graph.LabelGroup, a.PrincipalID)
			}
			err := link(from, graph.RelHasRole, graph.Ref(graph.LabelRole, a.RoleID), map[string]any{"kind": string(a.Kind)})
			res.add("assignment:"+a.PrincipalID+"->"+a.RoleID, err)
		}

		for _, m := range snap.Memberships {
			if m.GroupID == "" || m.MemberID == "" {
				res.skip("membership")
				continue
			}
			var err error
			switch m.MemberType {
			case "group":
				err = link(graph.Ref(graph.LabelGroup, m.MemberID), graph.RelChildOf, graph.Ref(graph.LabelGroup, m.GroupID), nil)
			default:
				err = link(graph.Ref(graph.LabelUser, m.MemberID), graph.RelMemberOf, graph.Ref(graph.LabelGroup, m.GroupID), nil)
			}
			res.add("membership:"+m.MemberID+"->"+m.GroupID, err)
		}

		for _, d := range snap.Departments {
			name := strings.TrimSpace(d.Name)
			if name == "" {
				res.skip("department")
				continue
			}
			res.add("department:"+name, p.projectDepartment(ctx, tx, d, name, link))
		}
	})
}

func (p *Projector) projectDepartment(ctx context.Context, tx graph.Tx, d domain.Department, name string,
	link func(graph.NodeRef, string, graph.NodeRef, map[string]any) error) error {
	resources := d.Resources
	if resources == nil {
		resources = []string{}
	}
	dept := graph.Ref(graph.LabelDepartment, name)
	if err := tx.MergeNode(ctx, dept, map[string]any{
		"description": d.Description,
		"resources":   resources,
		"parentGroup": d.ParentGroup,
	}); err != nil {
		return err
	}

	adGroups, err := tx.FindNodes(ctx, graph.LabelGroup, "displayName", name)
	if err != nil {
		return err
	}
	if d.GroupID != "" && !contains(adGroups, d.GroupID) {
		adGroups = append(adGroups, d.GroupID)
	}
	for _, g := range adGroups {
		if err := link(dept, graph.RelHasADGroup, graph.Ref(graph.LabelGroup, g), nil); err != nil {
			return err
		}
	}

	if parent := strings.TrimSpace(d.ParentGroup); parent != "" {
		parents, err := tx.FindNodes(ctx, graph.LabelGroup, "displayName", parent)
		if err != nil {
			return err
		}
		for _, g := range parents {
			if err := link(dept, graph.RelNestedUnder, graph.Ref(graph.LabelGroup, g), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProjectLogs merges one batch of log records of a single stream.
func (p *Projector) ProjectLogs(ctx context.Context, stream domain.Stream, records []domain.LogRecord) (*BatchResult, error) {
	label := logLabel(stream)
	return p.run(ctx, string(stream), func(ctx context.Context, tx graph.Tx, res *BatchResult) {
		for _, rec := range records {
			id := rec.ID()
			if id == "" {
				res.skip(string(stream))
				continue
			}
			res.add(string(stream)+":"+id, p.projectRecord(ctx, tx, label, id, rec))
		}
	})
}

func (p *Projector) projectRecord(ctx context.Context, tx graph.Tx, label, id string, rec domain.LogRecord) error {
	ts := rec.Timestamp()
	props := map[string]any{
		"category":  string(rec.Category),
		"operation": rec.Operation(),
		"actor":     rec.ActorName(),
		"target":    rec.TargetName(),
	}
	if !ts.IsZero() {
		props["timestamp"] = ts.UTC()
		props["offHours"] = p.opts.OffHours.Outside(ts)
	}
	switch rec.Stream {
	case domain.StreamSignIns:
		props["ipAddress"] = rec.Field("ipAddress")
		props["clientApp"] = rec.Field("clientAppUsed")
	case domain.StreamActivity:
		props["status"] = rec.LocalizedField("status")
		props["resourceGroup"] = rec.Field("resourceGroupName")
	}

	logRef := graph.Ref(label, id)
	if err := tx.MergeNode(ctx, logRef, props); err != nil {
		return err
	}

	actor := rec.ActorID()
	if actor == "" {
		return nil
	}
	user := graph.Ref(graph.LabelUser, actor)
	if err := tx.MergeEdge(ctx, graph.EdgeSpec{From: user, Rel: graph.RelInitiated, To: logRef}); err != nil {
		return err
	}

	target := rec.TargetID()
	if target == "" || rec.Stream == domain.StreamDirectoryAudits {
		return nil
	}
	return p.projectAccess(ctx, tx, user, target, rec.TargetName(), id, ts)
}

// projectAccess records that user touched a resource. The first-access
// marker is created only when no ACCESSED edge existed before this merge.
func (p *Projector) projectAccess(ctx context.Context, tx graph.Tx, user graph.NodeRef, resourceID, resourceName, sourceID string, ts time.Time) error {
	res := graph.Ref(graph.LabelResource, resourceID)
	if resourceName != "" {
		if err := tx.MergeNode(ctx, res, map[string]any{"name": resourceName}); err != nil {
			return err
		}
	}

	seen, err := tx.HasEdge(ctx, user, graph.RelAccessed, res)
	if err != nil {
		return err
	}
	if !seen && p.sensitive(resourceID) {
		first := map[string]any{"sourceId": sourceID}
		if !ts.IsZero() {
			first["at"] = ts.UTC()
			first["offHours"] = p.opts.OffHours.Outside(ts)
		}
		if err := tx.MergeEdge(ctx, graph.EdgeSpec{From: user, Rel: graph.RelFirstAccess, To: res, SetOnCreate: first}); err != nil {
			return err
		}
	}

	access := graph.EdgeSpec{From: user, Rel: graph.RelAccessed, To: res}
	if !ts.IsZero() {
		access.SetOnCreate = map[string]any{"firstSeen": ts.UTC()}
		access.Set = map[string]any{"lastSeen": ts.UTC(), "offHours": p.opts.OffHours.Outside(ts)}
	}
	return tx.MergeEdge(ctx, access)
}

// ProjectAccessEvents merges audit-trail entries and links each to its
// principal.
func (p *Projector) ProjectAccessEvents(ctx context.Context, events []domain.AccessEvent) (*BatchResult, error) {
	return p.run(ctx, "access-events", func(ctx context.Context, tx graph.Tx, res *BatchResult) {
		for _, e := range events {
			if e.ID == "" {
				res.skip("access-event")
				continue
			}
			ref := graph.Ref(graph.LabelAccessEvent, e.ID)
			err := tx.MergeNode(ctx, ref, map[string]any{
				"resource":   e.Resource,
				"action":     e.Action,
				"actor":      e.Actor,
				"occurredAt": e.OccurredAt.UTC(),
				"offHours":   p.opts.OffHours.Outside(e.OccurredAt),
			})
			if err == nil && e.PrincipalID != "" {
				err = tx.MergeEdge(ctx, graph.EdgeSpec{From: graph.Ref(graph.LabelUser, e.PrincipalID), Rel: graph.RelSubjectOf, To: ref})
			}
			res.add("access-event:"+e.ID, err)
		}
	})
}

// RecordAccessEvent implements the access manager's event sink.
func (p *Projector) RecordAccessEvent(ctx context.Context, e domain.AccessEvent) error {
	_, err := p.ProjectAccessEvents(ctx, []domain.AccessEvent{e})
	return err
}

func (p *Projector) sensitive(resourceID string) bool {
	if len(p.opts.SensitiveResources) == 0 {
		return true
	}
	id := strings.ToLower(resourceID)
	for _, pat := range p.opts.SensitiveResources {
		if pat != "" && strings.Contains(id, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

func logLabel(stream domain.Stream) string {
	switch stream {
	case domain.StreamSignIns:
		return graph.LabelSignInLog
	case domain.StreamActivity:
		return graph.LabelActivityLog
	default:
		return graph.LabelAuditLog
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
