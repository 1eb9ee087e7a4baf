package domain

import "time"

// AccessEvent is one entry in the access audit trail written by grant,
// department and privilege operations.
type AccessEvent struct {
	ID          string
	PrincipalID string
	Resource    string // e.g. "TemporaryAccess", "DepartmentCreation"
	Action      string
	Actor       string
	OccurredAt  time.Time
}

// AccessEventFilter narrows an access event listing.
type AccessEventFilter struct {
	PrincipalID *string
	Resource    *string
	Page        PageRequest
}
