// Package access issues and revokes temporal access grants, manages
// departments, and flags unused privileged principals. Every operation is
// written to the access audit trail.
package access

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"idgov/internal/clock"
	"idgov/internal/domain"
)

// Access event resources.
const (
	ResourceTemporaryAccess    = "TemporaryAccess"
	ResourceDelegation         = "Delegation"
	ResourceCrossScope         = "CrossScopeAccess"
	ResourceEmergencyAccess    = "EmergencyAccess"
	ResourceRevocation         = "Revocation"
	ResourceTimeBasedAccess    = "TimeBasedAccess"
	ResourceMFA                = "MFA"
	ResourceDepartment         = "DepartmentCreation"
	ResourceDepartmentMember   = "DepartmentMembership"
	ResourceDepartmentResource = "DepartmentResources"
	ResourcePrivilegeFlag      = "PrivilegeFlag"
	ResourceRoleUpdate         = "RoleUpdate"
	ResourceAutoProvision      = "AutoProvision"
)

// EventSink receives every recorded access event, typically the graph
// projector.
type EventSink interface {
	RecordAccessEvent(ctx context.Context, e domain.AccessEvent) error
}

// recorder writes access events to the repository and forwards them to the
// sink. Recording never fails the operation being recorded.
type recorder struct {
	events domain.AccessEventRepository
	sink   EventSink
	clock  clock.Clock
	logger *slog.Logger
}

func (r *recorder) record(ctx context.Context, principalID, resource, action string) {
	actor := domain.ActorFromContext(ctx)
	name := actor.Subject
	if actor.Email != "" {
		name = actor.Email
	}
	e := domain.AccessEvent{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Resource:    resource,
		Action:      action,
		Actor:       name,
		OccurredAt:  r.clock.Now().UTC(),
	}
	r.logger.Info("access event",
		"principal", principalID,
		"resource", resource,
		"action", action,
		"actor", name,
	)
	if r.events != nil {
		if err := r.events.Insert(ctx, &e); err != nil {
			r.logger.Warn("persist access event failed", "error", err)
		}
	}
	if r.sink != nil {
		if err := r.sink.RecordAccessEvent(ctx, e); err != nil {
			r.logger.Warn("project access event failed", "error", err)
		}
	}
}
