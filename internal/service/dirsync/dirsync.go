// Package dirsync projects a point-in-time copy of the directory into the
// identity graph.
package dirsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"idgov/internal/domain"
	"idgov/internal/service/projection"
)

const memberFetchLimit = 8

// SnapshotProjector merges a directory snapshot into the graph.
type SnapshotProjector interface {
	ProjectSnapshot(ctx context.Context, snap domain.Snapshot) (*projection.BatchResult, error)
}

// Result summarizes one Sync call.
type Result struct {
	Users       int           `json:"users"`
	Groups      int           `json:"groups"`
	Roles       int           `json:"roles"`
	Assignments int           `json:"assignments"`
	Memberships int           `json:"memberships"`
	Departments int           `json:"departments"`
	Written     int           `json:"written"`
	Skipped     int           `json:"skipped"`
	Duration    time.Duration `json:"duration"`
}

// Service reads the directory and the department table and projects both.
type Service struct {
	dir         domain.Directory
	departments domain.DepartmentRepository
	projector   SnapshotProjector
	logger      *slog.Logger
}

// New creates a Service. departments may be nil.
func New(dir domain.Directory, departments domain.DepartmentRepository, projector SnapshotProjector, logger *slog.Logger) *Service {
	return &Service{
		dir:         dir,
		departments: departments,
		projector:   projector,
		logger:      logger.With("component", "dirsync"),
	}
}

// Fetch reads users, groups, roles, role assignments and departments
// concurrently, then the members of every group.
func (s *Service) Fetch(ctx context.Context) (*domain.Snapshot, error) {
	var snap domain.Snapshot

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		users, err := s.dir.ListUsers(gctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		snap.Users = users
		return nil
	})
	g.Go(func() error {
		groups, err := s.dir.ListGroups(gctx)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		snap.Groups = groups
		return nil
	})
	g.Go(func() error {
		roles, err := s.dir.ListRoles(gctx)
		if err != nil {
			return fmt.Errorf("list roles: %w", err)
		}
		snap.Roles = roles
		return nil
	})
	g.Go(func() error {
		assignments, err := s.dir.ListRoleAssignments(gctx)
		if err != nil {
			return fmt.Errorf("list role assignments: %w", err)
		}
		snap.Assignments = assignments
		return nil
	})
	if s.departments != nil {
		g.Go(func() error {
			depts, err := s.departments.List(gctx)
			if err != nil {
				return fmt.Errorf("list departments: %w", err)
			}
			snap.Departments = depts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	members, err := s.fetchMembers(ctx, snap.Groups)
	if err != nil {
		return nil, err
	}
	snap.Memberships = members
	return &snap, nil
}

func (s *Service) fetchMembers(ctx context.Context, groups []domain.Group) ([]domain.GroupMembership, error) {
	perGroup := make([][]domain.GroupMembership, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(memberFetchLimit)
	for i := range groups {
		group := groups[i]
		g.Go(func() error {
			members, err := s.dir.ListGroupMembers(gctx, group.ID)
			if err != nil {
				var nf *domain.NotFoundError
				if errors.As(err, &nf) {
					// deleted since the group listing
					s.logger.Warn("group vanished during sync", "group", group.ID)
					return nil
				}
				return fmt.Errorf("list members of %s: %w", group.ID, err)
			}
			perGroup[i] = members
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.GroupMembership
	for _, m := range perGroup {
		out = append(out, m...)
	}
	return out, nil
}

// Sync fetches a snapshot and projects it. Nothing is projected when any
// fetch fails.
func (s *Service) Sync(ctx context.Context) (*Result, error) {
	start := time.Now()
	snap, err := s.Fetch(ctx)
	if err != nil {
		s.logger.Error("directory fetch failed", "error", err)
		return nil, err
	}

	res := &Result{
		Users:       len(snap.Users),
		Groups:      len(snap.Groups),
		Roles:       len(snap.Roles),
		Assignments: len(snap.Assignments),
		Memberships: len(snap.Memberships),
		Departments: len(snap.Departments),
	}
	batch, err := s.projector.ProjectSnapshot(ctx, *snap)
	if batch != nil {
		res.Written = batch.Written()
		res.Skipped = batch.SkippedCount()
	}
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("project directory snapshot: %w", err)
	}

	s.logger.Info("directory sync complete",
		"users", res.Users,
		"groups", res.Groups,
		"roles", res.Roles,
		"assignments", res.Assignments,
		"memberships", res.Memberships,
		"departments", res.Departments,
		"duration", res.Duration,
	)
	return res, nil
}
