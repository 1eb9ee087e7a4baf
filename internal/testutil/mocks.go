// Package testutil provides shared fakes and mocks of domain interfaces for
// tests across the codebase, in the manner of net/http/httptest.
package testutil

import (
	"context"
	"sync"

	"idgov/internal/domain"
)

// === Access Event Repository Mock ===

// MockAccessEventRepo implements domain.AccessEventRepository. Inserted
// events are collected for assertions.
type MockAccessEventRepo struct {
	InsertFn func(ctx context.Context, e *domain.AccessEvent) error
	ListFn   func(ctx context.Context, filter domain.AccessEventFilter) ([]domain.AccessEvent, int64, error)

	mu     sync.Mutex
	Events []domain.AccessEvent
}

// Insert implements the interface method for testing.
func (m *MockAccessEventRepo) Insert(ctx context.Context, e *domain.AccessEvent) error {
	if m.InsertFn != nil {
		if err := m.InsertFn(ctx, e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, *e)
	return nil
}

// List implements the interface method for testing.
func (m *MockAccessEventRepo) List(ctx context.Context, filter domain.AccessEventFilter) ([]domain.AccessEvent, int64, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, filter)
	}
	panic("unexpected call to MockAccessEventRepo.List")
}

// CountByPrincipal counts collected events for principalID.
func (m *MockAccessEventRepo) CountByPrincipal(_ context.Context, principalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.Events {
		if e.PrincipalID == principalID {
			n++
		}
	}
	return n, nil
}

// HasEvent reports whether any collected event has the resource and action.
func (m *MockAccessEventRepo) HasEvent(resource, action string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Events {
		if e.Resource == resource && e.Action == action {
			return true
		}
	}
	return false
}

// LastEvent returns the last collected event, or nil if none.
func (m *MockAccessEventRepo) LastEvent() *domain.AccessEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Events) == 0 {
		return nil
	}
	e := m.Events[len(m.Events)-1]
	return &e
}

var _ domain.AccessEventRepository = (*MockAccessEventRepo)(nil)

// === Cursor Repository Mock ===

// MockCursorRepo implements domain.CursorRepository in memory.
type MockCursorRepo struct {
	GetFn  func(ctx context.Context, stream domain.Stream) (*domain.SyncCursor, error)
	SaveFn func(ctx context.Context, c domain.SyncCursor) error

	mu      sync.Mutex
	Cursors map[domain.Stream]domain.SyncCursor
}

// Get implements the interface method for testing.
func (m *MockCursorRepo) Get(ctx context.Context, stream domain.Stream) (*domain.SyncCursor, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, stream)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Cursors[stream]
	if !ok {
		return nil, domain.ErrNotFound("cursor for %s not found", stream)
	}
	return &c, nil
}

// Save implements the interface method for testing.
func (m *MockCursorRepo) Save(ctx context.Context, c domain.SyncCursor) error {
	if m.SaveFn != nil {
		if err := m.SaveFn(ctx, c); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Cursors == nil {
		m.Cursors = make(map[domain.Stream]domain.SyncCursor)
	}
	m.Cursors[c.Stream] = c
	return nil
}

// List implements the interface method for testing.
func (m *MockCursorRepo) List(context.Context) ([]domain.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SyncCursor, 0, len(m.Cursors))
	for _, s := range domain.Streams {
		if c, ok := m.Cursors[s]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ domain.CursorRepository = (*MockCursorRepo)(nil)

// === Event Sink Mock ===

// MockEventSink collects access events forwarded for projection.
type MockEventSink struct {
	Err error

	mu     sync.Mutex
	Events []domain.AccessEvent
}

// RecordAccessEvent collects e and returns Err.
func (m *MockEventSink) RecordAccessEvent(_ context.Context, e domain.AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, e)
	return m.Err
}

// Len returns the number of collected events.
func (m *MockEventSink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}
