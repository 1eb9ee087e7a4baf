// Package api provides the admin HTTP API for log synchronization, access
// grants, departments and privilege review.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"idgov/internal/domain"
	"idgov/internal/middleware"
	"idgov/internal/service/access"
	"idgov/internal/service/logsync"
)

// LogSyncer runs log synchronization passes.
type LogSyncer interface {
	Run(ctx context.Context, stream domain.Stream) (*logsync.RunResult, error)
	RunAll(ctx context.Context) ([]logsync.RunResult, error)
}

// Services groups the services the handlers call. Syncer and Cursors may be
// nil when the directory is not configured; the sync endpoints then report
// 404.
type Services struct {
	Syncer      LogSyncer
	Cursors     domain.CursorRepository
	Grants      *access.Manager
	Departments *access.DepartmentService
	Privileges  *access.PrivilegeAnalyzer
	Roles       *access.RoleService
}

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Validator          middleware.JWTValidator
	NameClaim          string
	RateLimit          middleware.RateLimitConfig // zero RequestsPerSecond disables limiting
	CORSAllowedOrigins []string
}

// Handler serves the /v1 API.
type Handler struct {
	svc    Services
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc Services, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With("component", "api")}
}

// NewRouter builds the full HTTP handler: public health check plus the
// authenticated /v1 routes. ctx bounds background work of the middleware.
func NewRouter(ctx context.Context, h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	if opts.RateLimit.RequestsPerSecond > 0 {
		r.Use(middleware.RateLimiter(ctx, opts.RateLimit))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(opts.Validator, opts.NameClaim, h.logger))
		h.Routes(r)
	})
	return r
}

// Routes mounts the API endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Get("/cursors", h.listCursors)
		r.Post("/{stream}", h.runSync)
	})

	r.Route("/grants", func(r chi.Router) {
		r.Get("/", h.listGrants)
		r.Post("/", h.createGrant)
		r.Post("/emergency", h.emergencyGrant)
		r.Post("/delegate", h.delegateGrant)
		r.Post("/cross-scope", h.crossScopeGrant)
		r.Post("/revoke", h.revokePermissions)
		r.Delete("/{key}", h.revokeGrant)
	})

	r.Route("/departments", func(r chi.Router) {
		r.Get("/", h.listDepartments)
		r.Post("/", h.createDepartment)
		r.Get("/{name}", h.getDepartment)
		r.Patch("/{name}", h.updateDepartment)
		r.Delete("/{name}", h.deleteDepartment)
		r.Get("/{name}/members", h.listDepartmentMembers)
		r.Post("/{name}/members", h.addDepartmentMember)
		r.Get("/{name}/resources", h.listDepartmentResources)
	})

	r.Get("/groups/{groupId}/subgroups", h.listSubGroups)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.provisionUser)
		r.Put("/{id}/role", h.updateUserRole)
		r.Get("/{id}/has-permission", h.hasPermission)
	})

	r.Route("/privileges", func(r chi.Router) {
		r.Post("/analyze", h.analyzePrivileges)
		r.Get("/flagged", h.listFlagged)
		r.Delete("/flagged/{principalId}", h.unflag)
	})

	r.Get("/access-window", h.accessWindow)
	r.Post("/mfa/verify", h.verifyMFA)
}

// syncTimeout bounds a manually triggered sync that outlives its client.
const syncTimeout = 30 * time.Minute
