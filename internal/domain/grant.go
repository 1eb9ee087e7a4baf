package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// GrantKind identifies which operation issued an access grant.
type GrantKind string

// Grant kinds.
const (
	GrantTemporary  GrantKind = "temporary"
	GrantDelegated  GrantKind = "delegated"
	GrantCrossScope GrantKind = "cross_scope"
	GrantEmergency  GrantKind = "emergency"
)

// GrantState is the lifecycle state of an access grant.
// Requested → Active → {Revoked | Superseded}.
type GrantState string

// Grant states.
const (
	GrantRequested  GrantState = "requested"
	GrantActive     GrantState = "active"
	GrantRevoked    GrantState = "revoked"
	GrantSuperseded GrantState = "superseded"
)

// Terminal reports whether no further transitions are possible.
func (s GrantState) Terminal() bool {
	return s == GrantRevoked || s == GrantSuperseded
}

// AccessGrant is a time-bounded permission set assigned to a principal and
// removed by its own revocation timer.
type AccessGrant struct {
	ID              string
	Key             string // timer key; unique among live grants
	Kind            GrantKind
	PrincipalID     string
	SourceID        string // delegator or cross-scope source; empty for plain grants
	Permissions     []string
	AssignmentKind  AssignmentKind
	DelegatedRoleID string // role created for a delegation
	Duration        time.Duration
	GrantedAt       time.Time
	ExpiresAt       time.Time
	State           GrantState
	RevokedAt       *time.Time
}

// GrantKey is the timer key for plain and emergency grants.
func GrantKey(principalID string) string {
	return principalID
}

// CrossScopeKey is the timer key for a cross-scope grant. Grants to the same
// target for different permissions coexist.
func CrossScopeKey(targetID, permission string) string {
	return targetID + "_cross_" + permission
}

// DelegationKey is the timer key for a delegated grant. The permission set is
// sorted and deduplicated, so the same set always yields the same key.
func DelegationKey(toID string, permissions []string) string {
	perms := slices.Compact(slices.Sorted(slices.Values(permissions)))
	return toID + "_delegate_" + strings.Join(perms, ",")
}

// DelegatedRoleName is the name of the single-purpose role created for a delegation.
func DelegatedRoleName(fromID string) string {
	return "TemporaryRoleFor_" + fromID
}

// GrantRequest holds parameters for Grant and EmergencyActivate.
type GrantRequest struct {
	PrincipalID    string
	Permissions    []string
	Duration       time.Duration
	AssignmentKind AssignmentKind
}

// Validate checks the request and normalizes the permission list.
func (r *GrantRequest) Validate() error {
	if strings.TrimSpace(r.PrincipalID) == "" {
		return ErrValidation("principal id is required")
	}
	perms, err := normalizePermissions(r.Permissions)
	if err != nil {
		return err
	}
	r.Permissions = perms
	return validateTiming(r.Duration, &r.AssignmentKind)
}

// DelegateRequest holds parameters for Delegate.
type DelegateRequest struct {
	FromID         string
	ToID           string
	Permissions    []string
	Duration       time.Duration
	AssignmentKind AssignmentKind
}

// Validate checks the request and normalizes the permission list.
func (r *DelegateRequest) Validate() error {
	if strings.TrimSpace(r.FromID) == "" || strings.TrimSpace(r.ToID) == "" {
		return ErrValidation("both delegator and delegate ids are required")
	}
	if r.FromID == r.ToID {
		return ErrValidation("cannot delegate access to self")
	}
	perms, err := normalizePermissions(r.Permissions)
	if err != nil {
		return err
	}
	r.Permissions = perms
	return validateTiming(r.Duration, &r.AssignmentKind)
}

// CrossScopeRequest holds parameters for CrossScopeGrant.
type CrossScopeRequest struct {
	SourceID       string
	TargetID       string
	Permission     string
	Duration       time.Duration
	AssignmentKind AssignmentKind
}

// Validate checks the request.
func (r *CrossScopeRequest) Validate() error {
	if strings.TrimSpace(r.TargetID) == "" {
		return ErrValidation("target id is required")
	}
	r.Permission = strings.TrimSpace(r.Permission)
	if r.Permission == "" {
		return ErrValidation("permission is required")
	}
	return validateTiming(r.Duration, &r.AssignmentKind)
}

func normalizePermissions(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, ErrValidation("at least one permission is required")
	}
	return out, nil
}

func validateTiming(d time.Duration, kind *AssignmentKind) error {
	if d <= 0 {
		return ErrValidation("duration must be positive")
	}
	if *kind == "" {
		*kind = AssignmentDirectory
	}
	if !kind.Valid() {
		return ErrValidation("invalid assignment kind %q", *kind)
	}
	return nil
}

// TimeOfDay is a wall-clock time expressed as minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" (24-hour).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, ErrValidation("invalid time of day %q (want HH:MM)", s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// TimeOfDayOf returns the time of day of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// Within reports whether t lies in [start, end). Windows that wrap past
// midnight (start > end) are supported.
func (t TimeOfDay) Within(start, end TimeOfDay) bool {
	if start <= end {
		return t >= start && t < end
	}
	return t >= start || t < end
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}
