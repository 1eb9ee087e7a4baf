package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"idgov/internal/clock"
	"idgov/internal/domain"
	"idgov/internal/registry"
	"idgov/internal/timer"
)

// SupersedePolicy decides what happens to the permissions of a grant that is
// replaced by a new grant on the same key.
type SupersedePolicy string

// Supersede policies.
const (
	// SupersedeKeep cancels only the old grant's timer. Its permissions stay
	// assigned until revoked explicitly.
	SupersedeKeep SupersedePolicy = "keep"
	// SupersedeRevoke also removes old permissions the new grant does not carry.
	SupersedeRevoke SupersedePolicy = "revoke"
)

// ParseSupersedePolicy validates a policy name. Empty selects SupersedeKeep.
func ParseSupersedePolicy(s string) (SupersedePolicy, error) {
	switch SupersedePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SupersedeKeep:
		return SupersedeKeep, nil
	case SupersedeRevoke:
		return SupersedeRevoke, nil
	}
	return "", domain.ErrValidation("unknown supersede policy %q (want keep or revoke)", s)
}

// Options configures a Manager.
type Options struct {
	SupersedePolicy SupersedePolicy
	MaxDuration     time.Duration  // 0 means unbounded
	Location        *time.Location // wall clock for access windows, default Local
}

const expiryTimeout = 2 * time.Minute

// Manager issues temporal grants and revokes them when their timer fires.
// Issuance, supersession and revocation are serialized.
type Manager struct {
	dir    domain.Directory
	timers *timer.Scheduler
	grants domain.AccessGrantRepository
	rec    *recorder
	clock  clock.Clock
	opts   Options
	roles  *registry.Map[string, string] // permission or role name → role id
	armed  *registry.Map[string, string] // grant key → id of the grant its timer revokes
	logger *slog.Logger

	mu sync.Mutex
}

// NewManager creates a Manager. sink may be nil.
func NewManager(
	dir domain.Directory,
	timers *timer.Scheduler,
	grants domain.AccessGrantRepository,
	events domain.AccessEventRepository,
	sink EventSink,
	clk clock.Clock,
	opts Options,
	logger *slog.Logger,
) *Manager {
	if opts.SupersedePolicy == "" {
		opts.SupersedePolicy = SupersedeKeep
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger = logger.With("component", "access")
	return &Manager{
		dir:    dir,
		timers: timers,
		grants: grants,
		rec:    &recorder{events: events, sink: sink, clock: clk, logger: logger},
		clock:  clk,
		opts:   opts,
		roles:  registry.New[string, string](),
		armed:  registry.New[string, string](),
		logger: logger,
	}
}

// target is one role assignment made on behalf of a permission.
type target struct {
	perm   string
	roleID string
}

// Grant assigns each permission to the principal and schedules their
// revocation after the duration.
func (m *Manager) Grant(ctx context.Context, req domain.GrantRequest) (*domain.AccessGrant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	g, err := m.newGrant(domain.GrantTemporary, domain.GrantKey(req.PrincipalID), req.PrincipalID, "", req.Permissions, req.AssignmentKind, req.Duration)
	if err != nil {
		return nil, err
	}
	if err := m.issue(ctx, g, false); err != nil {
		return nil, err
	}
	m.rec.record(ctx, g.PrincipalID, ResourceTemporaryAccess, "grant:"+strings.Join(g.Permissions, ","))
	return g, nil
}

// EmergencyActivate cancels any pending timer of the principal before
// granting, whether or not a grant is recorded for it.
func (m *Manager) EmergencyActivate(ctx context.Context, req domain.GrantRequest) (*domain.AccessGrant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	g, err := m.newGrant(domain.GrantEmergency, domain.GrantKey(req.PrincipalID), req.PrincipalID, "", req.Permissions, req.AssignmentKind, req.Duration)
	if err != nil {
		return nil, err
	}
	if err := m.issue(ctx, g, true); err != nil {
		return nil, err
	}
	m.rec.record(ctx, g.PrincipalID, ResourceEmergencyAccess, "activate:"+strings.Join(g.Permissions, ","))
	return g, nil
}

// Delegate creates a role carrying the delegated permissions and grants it
// to the delegate. The delegator's own grants are untouched. Revocation
// removes the assignment and deletes the role.
func (m *Manager) Delegate(ctx context.Context, req domain.DelegateRequest) (*domain.AccessGrant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	g, err := m.newGrant(domain.GrantDelegated, domain.DelegationKey(req.ToID, req.Permissions), req.ToID, req.FromID, req.Permissions, req.AssignmentKind, req.Duration)
	if err != nil {
		return nil, err
	}

	role, err := m.dir.CreateRole(ctx, domain.Role{
		Name:        domain.DelegatedRoleName(req.FromID),
		Description: fmt.Sprintf("Delegated from %s to %s", req.FromID, req.ToID),
		Permissions: req.Permissions,
		Kind:        domain.RoleKindCustom,
	})
	if err != nil {
		return nil, fmt.Errorf("create delegated role: %w", err)
	}
	g.DelegatedRoleID = role.ID

	if err := m.issue(ctx, g, false); err != nil {
		if derr := m.dir.DeleteRole(ctx, role.ID); derr != nil {
			m.logger.Warn("delete unused delegated role failed", "role", role.ID, "error", derr)
		}
		return nil, err
	}
	m.rec.record(ctx, g.PrincipalID, ResourceDelegation, "delegate:"+req.FromID+":"+strings.Join(g.Permissions, ","))
	return g, nil
}

// CrossScopeGrant grants one permission keyed by target and permission, so
// grants of different permissions to the same target coexist.
func (m *Manager) CrossScopeGrant(ctx context.Context, req domain.CrossScopeRequest) (*domain.AccessGrant, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	g, err := m.newGrant(domain.GrantCrossScope, domain.CrossScopeKey(req.TargetID, req.Permission), req.TargetID, req.SourceID, []string{req.Permission}, req.AssignmentKind, req.Duration)
	if err != nil {
		return nil, err
	}
	if err := m.issue(ctx, g, false); err != nil {
		return nil, err
	}
	m.rec.record(ctx, g.PrincipalID, ResourceCrossScope, "grant:"+req.SourceID+":"+req.Permission)
	return g, nil
}

// Revoke removes each permission from the principal under both assignment
// kinds. Assignments that do not exist count as removed. Pending timers are
// not touched.
func (m *Manager) Revoke(ctx context.Context, principalID string, permissions []string) error {
	if strings.TrimSpace(principalID) == "" {
		return domain.ErrValidation("principal id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.removeAll(ctx, domain.GrantKey(principalID), principalID, m.resolve(ctx, permissions))
	m.rec.record(ctx, principalID, ResourceRevocation, "revoke:"+strings.Join(permissions, ","))
	return err
}

// RevokeGrant ends a live grant before its timer fires.
func (m *Manager) RevokeGrant(ctx context.Context, key string) (*domain.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.grants.GetActiveByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	m.timers.Cancel(key)
	err = m.revokeGrantLocked(ctx, g, "revoked")
	return g, err
}

// Expiry returns when the grant under key is due to be revoked.
func (m *Manager) Expiry(key string) (time.Time, bool) {
	return m.timers.Pending(key)
}

// ActiveGrants lists grants whose timers are live.
func (m *Manager) ActiveGrants(ctx context.Context) ([]domain.AccessGrant, error) {
	return m.grants.ListActive(ctx)
}

// ListGrants lists all grants, newest first.
func (m *Manager) ListGrants(ctx context.Context, page domain.PageRequest) ([]domain.AccessGrant, int64, error) {
	return m.grants.List(ctx, page)
}

// IsWithinWindow reports whether the current wall-clock time lies in
// [start, end).
func (m *Manager) IsWithinWindow(start, end domain.TimeOfDay) bool {
	return domain.TimeOfDayOf(m.clock.Now().In(m.opts.Location)).Within(start, end)
}

// EnforceWindow checks the access window for principalID and records the
// decision.
func (m *Manager) EnforceWindow(ctx context.Context, principalID string, start, end domain.TimeOfDay) bool {
	ok := m.IsWithinWindow(start, end)
	decision := "denied"
	if ok {
		decision = "allowed"
	}
	m.rec.record(ctx, principalID, ResourceTimeBasedAccess, fmt.Sprintf("%s:%s-%s", decision, start, end))
	return ok
}

// VerifyMFA records a step-up verification for action. Verification itself
// is delegated to the identity provider, so the check always passes here.
func (m *Manager) VerifyMFA(ctx context.Context, principalID, action string) bool {
	m.rec.record(ctx, principalID, ResourceMFA, "verified:"+action)
	return true
}

// ReconcileResult counts what a Reconcile pass changed.
type ReconcileResult struct {
	Armed   int // timers armed for grants this process was not tracking
	Revoked int // grants revoked because they were already past expiry
	Dropped int // timers cancelled because their grant is no longer active
}

// Reconcile brings this process's timers in line with the persisted grants.
// A grant issued or superseded by another process (the CLI, another replica)
// gets a timer here; one that is already past its expiry is revoked at once,
// and timers whose grant was revoked elsewhere are cancelled.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconcileResult
	active, err := m.grants.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("list active grants: %w", err)
	}

	now := m.clock.Now()
	live := make(map[string]struct{}, len(active))
	for i := range active {
		g := &active[i]
		if !g.ExpiresAt.After(now) {
			m.timers.Cancel(g.Key)
			m.armed.Delete(g.Key)
			if err := m.revokeGrantLocked(ctx, g, "expired"); err != nil {
				m.logger.Error("revoke overdue grant", "key", g.Key, "error", err)
			}
			res.Revoked++
			continue
		}
		live[g.Key] = struct{}{}
		if _, pending := m.timers.Pending(g.Key); pending {
			if id, _ := m.armed.Get(g.Key); id == g.ID {
				continue
			}
		}
		m.arm(g)
		res.Armed++
	}

	for _, key := range m.timers.Keys() {
		if _, ok := live[key]; ok {
			continue
		}
		if m.timers.Cancel(key) {
			res.Dropped++
		}
		m.armed.Delete(key)
	}

	if res != (ReconcileResult{}) {
		m.logger.Info("grant timers reconciled", "armed", res.Armed, "revoked", res.Revoked, "dropped", res.Dropped)
	}
	return res, nil
}

// Restore re-arms timers for persisted active grants after a restart.
// Grants that expired while the process was down are revoked immediately.
// It returns the number of timers armed.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	res, err := m.Reconcile(ctx)
	return res.Armed, err
}

func (m *Manager) newGrant(kind domain.GrantKind, key, principalID, sourceID string, perms []string, assignment domain.AssignmentKind, d time.Duration) (*domain.AccessGrant, error) {
	if m.opts.MaxDuration > 0 && d > m.opts.MaxDuration {
		return nil, domain.ErrValidation("duration %s exceeds the maximum of %s", d, m.opts.MaxDuration)
	}
	return &domain.AccessGrant{
		ID:             uuid.NewString(),
		Key:            key,
		Kind:           kind,
		PrincipalID:    principalID,
		SourceID:       sourceID,
		Permissions:    perms,
		AssignmentKind: assignment,
		Duration:       d,
		State:          domain.GrantRequested,
	}, nil
}

// issue assigns g's roles, supersedes any live grant on the same key,
// persists g and arms its timer. Either every assignment succeeds or the
// ones this call made are removed again and nothing else changes. With
// preempt, the old timer is cancelled before anything is assigned.
func (m *Manager) issue(ctx context.Context, g *domain.AccessGrant, preempt bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if preempt {
		if m.timers.Cancel(g.Key) {
			m.logger.Info("pending timer cancelled for emergency access", "key", g.Key)
		}
		if err := m.supersedeLocked(ctx, g); err != nil {
			return err
		}
	}

	targets := m.targets(ctx, g)
	var added []target
	for _, t := range targets {
		created, err := m.dir.AssignRole(ctx, g.PrincipalID, t.roleID, g.AssignmentKind)
		if err != nil {
			m.compensate(ctx, g, added)
			m.logger.Error("grant failed", "key", g.Key, "permission", t.perm, "error", err)
			return &domain.GrantAssignmentError{Key: g.Key, Permission: t.perm, Err: err}
		}
		if created {
			added = append(added, t)
		}
	}

	if !preempt {
		if err := m.supersedeLocked(ctx, g); err != nil {
			m.compensate(ctx, g, added)
			return err
		}
	}

	now := m.clock.Now().UTC()
	g.GrantedAt = now
	g.ExpiresAt = now.Add(g.Duration)
	g.State = domain.GrantActive
	if err := m.grants.Create(ctx, g); err != nil {
		m.compensate(ctx, g, added)
		return fmt.Errorf("persist grant %q: %w", g.Key, err)
	}
	m.arm(g)

	m.logger.Info("grant active",
		"key", g.Key,
		"kind", g.Kind,
		"principal", g.PrincipalID,
		"permissions", g.Permissions,
		"expires_at", g.ExpiresAt,
	)
	return nil
}

// supersedeLocked retires the live grant on next's key, if any.
func (m *Manager) supersedeLocked(ctx context.Context, next *domain.AccessGrant) error {
	old, err := m.grants.GetActiveByKey(ctx, next.Key)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("load active grant %q: %w", next.Key, err)
	}

	m.timers.Cancel(next.Key)
	if err := m.grants.Transition(ctx, old.ID, domain.GrantSuperseded, m.clock.Now().UTC()); err != nil {
		return fmt.Errorf("supersede grant %q: %w", next.Key, err)
	}

	if m.opts.SupersedePolicy == SupersedeRevoke {
		if err := m.removeStale(ctx, old, next); err != nil {
			m.logger.Warn("revoke superseded permissions incomplete", "key", old.Key, "error", err)
		}
	}
	m.rec.record(ctx, old.PrincipalID, ResourceRevocation, "superseded:"+old.Key)
	m.logger.Info("grant superseded", "key", old.Key, "policy", m.opts.SupersedePolicy)
	return nil
}

// removeStale removes what old assigned that next does not.
func (m *Manager) removeStale(ctx context.Context, old, next *domain.AccessGrant) error {
	if old.DelegatedRoleID != "" {
		if old.DelegatedRoleID == next.DelegatedRoleID {
			return nil
		}
		return m.removeDelegated(ctx, old)
	}
	keep := make(map[string]bool, len(next.Permissions))
	for _, p := range next.Permissions {
		keep[p] = true
	}
	var stale []string
	for _, p := range old.Permissions {
		if !keep[p] {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return m.removeAll(ctx, old.Key, old.PrincipalID, m.resolve(ctx, stale))
}

func (m *Manager) compensate(ctx context.Context, g *domain.AccessGrant, added []target) {
	for _, t := range added {
		if err := m.dir.RemoveRole(ctx, g.PrincipalID, t.roleID, g.AssignmentKind); err != nil {
			m.logger.Error("compensating removal failed", "key", g.Key, "permission", t.perm, "error", err)
		}
	}
}

func (m *Manager) arm(g *domain.AccessGrant) {
	key, id := g.Key, g.ID
	delay := g.ExpiresAt.Sub(m.clock.Now())
	m.armed.Set(key, id)
	m.timers.Schedule(key, delay, func() { m.expire(key, id) })
}

// expire is the timer callback of grant id.
func (m *Manager) expire(key, id string) {
	ctx, cancel := context.WithTimeout(domain.WithActor(context.Background(), domain.SystemActor), expiryTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.grants.GetActiveByKey(ctx, key)
	if err != nil {
		m.logger.Warn("expired grant not found", "key", key, "error", err)
		return
	}
	if g.ID != id {
		return
	}
	if err := m.revokeGrantLocked(ctx, g, "expired"); err != nil {
		m.logger.Error("automatic revocation incomplete", "key", key, "error", err)
	}
}

func (m *Manager) revokeGrantLocked(ctx context.Context, g *domain.AccessGrant, reason string) error {
	var err error
	if g.Kind == domain.GrantDelegated && g.DelegatedRoleID != "" {
		err = m.removeDelegated(ctx, g)
	} else {
		err = m.removeAll(ctx, g.Key, g.PrincipalID, m.resolve(ctx, g.Permissions))
	}

	now := m.clock.Now().UTC()
	if terr := m.grants.Transition(ctx, g.ID, domain.GrantRevoked, now); terr != nil {
		m.logger.Warn("mark grant revoked failed", "key", g.Key, "error", terr)
	} else {
		g.State = domain.GrantRevoked
		g.RevokedAt = &now
	}
	m.rec.record(ctx, g.PrincipalID, ResourceRevocation, reason+":"+g.Key)
	m.logger.Info("grant revoked", "key", g.Key, "reason", reason, "complete", err == nil)
	return err
}

func (m *Manager) removeDelegated(ctx context.Context, g *domain.AccessGrant) error {
	err := m.removeAll(ctx, g.Key, g.PrincipalID, []target{{perm: domain.DelegatedRoleName(g.SourceID), roleID: g.DelegatedRoleID}})
	if derr := m.dir.DeleteRole(ctx, g.DelegatedRoleID); derr != nil && !isNotFound(derr) {
		var rerr *domain.RevocationError
		if !errors.As(err, &rerr) {
			rerr = &domain.RevocationError{Key: g.Key, Failures: map[string]error{}}
			err = rerr
		}
		rerr.Failures["delete role "+g.DelegatedRoleID] = derr
	}
	return err
}

// removeAll removes every target under both assignment kinds.
func (m *Manager) removeAll(ctx context.Context, key, principalID string, targets []target) error {
	failures := make(map[string]error)
	for _, t := range targets {
		for _, kind := range []domain.AssignmentKind{domain.AssignmentApp, domain.AssignmentDirectory} {
			err := m.dir.RemoveRole(ctx, principalID, t.roleID, kind)
			if err == nil || isNotFound(err) {
				continue
			}
			failures[t.perm] = multierr.Append(failures[t.perm], err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &domain.RevocationError{Key: key, Failures: failures}
}

func (m *Manager) targets(ctx context.Context, g *domain.AccessGrant) []target {
	if g.DelegatedRoleID != "" {
		return []target{{perm: domain.DelegatedRoleName(g.SourceID), roleID: g.DelegatedRoleID}}
	}
	return m.resolve(ctx, g.Permissions)
}

// resolve maps permissions to role ids. A permission may name a role or be
// a role id already; unknown names are used as ids.
func (m *Manager) resolve(ctx context.Context, perms []string) []target {
	out := make([]target, 0, len(perms))
	refreshed := false
	for _, p := range perms {
		id, ok := m.roles.Get(p)
		if !ok && !refreshed {
			m.refreshRoles(ctx)
			refreshed = true
			id, ok = m.roles.Get(p)
		}
		if !ok {
			id = p
		}
		out = append(out, target{perm: p, roleID: id})
	}
	return out
}

func (m *Manager) refreshRoles(ctx context.Context) {
	roles, err := m.dir.ListRoles(ctx)
	if err != nil {
		m.logger.Warn("list roles failed, using permissions as role ids", "error", err)
		return
	}
	for _, r := range roles {
		m.roles.Set(r.ID, r.ID)
		if r.Name != "" {
			m.roles.Set(r.Name, r.ID)
		}
	}
}

func isNotFound(err error) bool {
	var nf *domain.NotFoundError
	return errors.As(err, &nf)
}
