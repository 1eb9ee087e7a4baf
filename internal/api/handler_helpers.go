package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"idgov/internal/domain"
	"idgov/internal/middleware"
	"idgov/internal/service/access"
	"idgov/internal/service/logsync"
)

// maxBodyBytes bounds request bodies on mutating endpoints.
const maxBodyBytes = 1 << 20

// --- helpers ---

// Error is the JSON body of every non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code. Server-side failures are logged and
// their detail is not echoed to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "path", r.URL.Path,
			"request_id", middleware.RequestIDFromContext(r.Context()))
		msg = "internal error"
	} else if status >= http.StatusBadGateway {
		h.logger.Warn("upstream failure", "error", err, "path", r.URL.Path,
			"request_id", middleware.RequestIDFromContext(r.Context()))
	}
	writeJSON(w, status, Error{Code: status, Message: msg})
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrValidation("request body is required")
		}
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

// pageFromQuery extracts a PageRequest from optional max_results/page_token params.
func pageFromQuery(r *http.Request) (domain.PageRequest, error) {
	p := domain.PageRequest{PageToken: r.URL.Query().Get("page_token")}
	if v := r.URL.Query().Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, domain.ErrValidation("invalid max_results %q", v)
		}
		p.MaxResults = n
	}
	return p, nil
}

// Duration accepts Go duration strings ("90m") or whole seconds in JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"1h\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// === Mapping helpers ===

// Grant is the API representation of an access grant.
type Grant struct {
	ID              string     `json:"id"`
	Key             string     `json:"key"`
	Kind            string     `json:"kind"`
	PrincipalID     string     `json:"principalId"`
	SourceID        string     `json:"sourceId,omitempty"`
	Permissions     []string   `json:"permissions"`
	AssignmentKind  string     `json:"assignmentKind"`
	DelegatedRoleID string     `json:"delegatedRoleId,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
	GrantedAt       time.Time  `json:"grantedAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	State           string     `json:"state"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
}

func grantToAPI(g domain.AccessGrant) Grant {
	return Grant{
		ID:              g.ID,
		Key:             g.Key,
		Kind:            string(g.Kind),
		PrincipalID:     g.PrincipalID,
		SourceID:        g.SourceID,
		Permissions:     g.Permissions,
		AssignmentKind:  string(g.AssignmentKind),
		DelegatedRoleID: g.DelegatedRoleID,
		DurationSeconds: int64(g.Duration / time.Second),
		GrantedAt:       g.GrantedAt,
		ExpiresAt:       g.ExpiresAt,
		State:           string(g.State),
		RevokedAt:       g.RevokedAt,
	}
}

// Department is the API representation of a department.
type Department struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Resources   []string  `json:"resources"`
	ParentGroup string    `json:"parentGroup"`
	GroupID     string    `json:"groupId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func departmentToAPI(d domain.Department) Department {
	res := d.Resources
	if res == nil {
		res = []string{}
	}
	return Department{
		Name:        d.Name,
		Description: d.Description,
		Resources:   res,
		ParentGroup: d.ParentGroup,
		GroupID:     d.GroupID,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// Cursor is the API representation of a stream's sync position.
type Cursor struct {
	Stream    string    `json:"stream"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func cursorToAPI(c domain.SyncCursor) Cursor {
	return Cursor{Stream: string(c.Stream), Value: c.Value, UpdatedAt: c.UpdatedAt}
}

// SyncRun is the API representation of one stream run.
type SyncRun struct {
	Stream         string         `json:"stream"`
	Records        int            `json:"records"`
	Skipped        int            `json:"skipped"`
	Categories     map[string]int `json:"categories"`
	CursorAdvanced bool           `json:"cursorAdvanced"`
	ArchiveKey     string         `json:"archiveKey,omitempty"`
	DurationMillis int64          `json:"durationMillis"`
}

func syncRunToAPI(r logsync.RunResult) SyncRun {
	cats := make(map[string]int, len(r.Categories))
	for c, n := range r.Categories {
		cats[string(c)] = n
	}
	return SyncRun{
		Stream:         string(r.Stream),
		Records:        r.Records,
		Skipped:        r.Skipped,
		Categories:     cats,
		CursorAdvanced: r.CursorAdvanced,
		ArchiveKey:     r.ArchiveKey,
		DurationMillis: r.Duration.Milliseconds(),
	}
}

func flagsToAPI(flags []access.Flag) []access.Flag {
	if flags == nil {
		return []access.Flag{}
	}
	return flags
}

func requestLogger(h *Handler, r *http.Request) *slog.Logger {
	return h.logger.With("request_id", middleware.RequestIDFromContext(r.Context()))
}
