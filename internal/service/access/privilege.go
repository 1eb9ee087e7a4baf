package access

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"idgov/internal/clock"
	"idgov/internal/domain"
	"idgov/internal/registry"
)

// ReasonUnusedPrivilege is the flag reason Analyze assigns.
const ReasonUnusedPrivilege = "High-privilege role unused"

var privilegedRoleMarkers = []string{"admin", "manager", "temporary"}

// Flag marks a principal for review.
type Flag struct {
	PrincipalID string    `json:"principalId"`
	Reason      string    `json:"reason"`
	FlaggedAt   time.Time `json:"flaggedAt"`
}

// PrivilegeAnalyzer flags principals holding privileged roles they never use.
type PrivilegeAnalyzer struct {
	dir     domain.Directory
	events  domain.AccessEventRepository
	rec     *recorder
	flagged *registry.Map[string, Flag]
	clock   clock.Clock
	logger  *slog.Logger
}

// NewPrivilegeAnalyzer creates a PrivilegeAnalyzer. sink may be nil.
func NewPrivilegeAnalyzer(dir domain.Directory, events domain.AccessEventRepository, sink EventSink, clk clock.Clock, logger *slog.Logger) *PrivilegeAnalyzer {
	logger = logger.With("component", "privileges")
	return &PrivilegeAnalyzer{
		dir:     dir,
		events:  events,
		rec:     &recorder{events: events, sink: sink, clock: clk, logger: logger},
		flagged: registry.New[string, Flag](),
		clock:   clk,
		logger:  logger,
	}
}

// Flag marks principalID with reason, replacing any earlier flag.
func (a *PrivilegeAnalyzer) Flag(ctx context.Context, principalID, reason string) Flag {
	f := Flag{PrincipalID: principalID, Reason: reason, FlaggedAt: a.clock.Now().UTC()}
	a.flagged.Set(principalID, f)
	a.rec.record(ctx, principalID, ResourcePrivilegeFlag, reason)
	return f
}

// Analyze flags every principal that holds a role whose name contains
// admin, manager or temporary and has no access events. It returns the
// flags raised by this call.
func (a *PrivilegeAnalyzer) Analyze(ctx context.Context) ([]Flag, error) {
	roles, err := a.dir.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	privileged := make(map[string]bool)
	for _, r := range roles {
		name := strings.ToLower(r.Name)
		for _, marker := range privilegedRoleMarkers {
			if strings.Contains(name, marker) {
				privileged[r.ID] = true
				break
			}
		}
	}

	assignments, err := a.dir.ListRoleAssignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}
	candidates := make(map[string]bool)
	for _, as := range assignments {
		if privileged[as.RoleID] {
			candidates[as.PrincipalID] = true
		}
	}
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var raised []Flag
	for _, id := range ids {
		if _, ok := a.flagged.Get(id); ok {
			continue
		}
		n, err := a.events.CountByPrincipal(ctx, id)
		if err != nil {
			return raised, fmt.Errorf("count access events of %s: %w", id, err)
		}
		if n > 0 {
			continue
		}
		raised = append(raised, a.Flag(ctx, id, ReasonUnusedPrivilege))
	}
	a.logger.Info("privilege analysis complete", "privileged_principals", len(ids), "flagged", len(raised))
	return raised, nil
}

// Flagged returns every flag, ordered by principal id.
func (a *PrivilegeAnalyzer) Flagged() []Flag {
	snap := a.flagged.Snapshot()
	out := make([]Flag, 0, len(snap))
	for _, f := range snap {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out
}

// Unflag clears the flag of principalID.
func (a *PrivilegeAnalyzer) Unflag(principalID string) bool {
	_, ok := a.flagged.Delete(principalID)
	return ok
}
