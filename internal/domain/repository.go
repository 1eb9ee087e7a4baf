package domain

import (
	"context"
	"time"
)

// CursorRepository persists one SyncCursor per stream.
type CursorRepository interface {
	// Get returns a NotFoundError when the stream has never completed a run.
	Get(ctx context.Context, stream Stream) (*SyncCursor, error)
	Save(ctx context.Context, c SyncCursor) error
	List(ctx context.Context) ([]SyncCursor, error)
}

// DepartmentRepository persists departments.
type DepartmentRepository interface {
	Create(ctx context.Context, d *Department) (*Department, error)
	Get(ctx context.Context, name string) (*Department, error)
	List(ctx context.Context) ([]Department, error)
	UpdateResources(ctx context.Context, name string, resources []string) (*Department, error)
	Delete(ctx context.Context, name string) error
}

// AccessGrantRepository persists temporal access grants so that live timers
// can be re-armed after a restart.
type AccessGrantRepository interface {
	Create(ctx context.Context, g *AccessGrant) error
	// GetActiveByKey returns a NotFoundError when no active grant holds the key.
	GetActiveByKey(ctx context.Context, key string) (*AccessGrant, error)
	ListActive(ctx context.Context) ([]AccessGrant, error)
	List(ctx context.Context, page PageRequest) ([]AccessGrant, int64, error)
	// Transition moves an active grant to a terminal state.
	Transition(ctx context.Context, id string, state GrantState, at time.Time) error
}

// AccessEventRepository persists the access audit trail.
type AccessEventRepository interface {
	Insert(ctx context.Context, e *AccessEvent) error
	List(ctx context.Context, filter AccessEventFilter) ([]AccessEvent, int64, error)
	CountByPrincipal(ctx context.Context, principalID string) (int64, error)
}
