package domain

import (
	"time"

	"github.com/buger/jsonparser"
)

// Stream names one incremental log feed.
type Stream string

// Log streams.
const (
	StreamDirectoryAudits Stream = "directoryAudits"
	StreamSignIns         Stream = "signIns"
	StreamActivity        Stream = "activity"
)

// Streams lists every stream in scheduling order.
var Streams = []Stream{StreamDirectoryAudits, StreamSignIns, StreamActivity}

// ParseStream validates a stream name.
func ParseStream(s string) (Stream, error) {
	for _, st := range Streams {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrValidation("unknown stream %q", s)
}

// Category is the fixed classification label of a log record.
type Category string

// Categories.
const (
	CategorySecurity           Category = "Security"
	CategoryPolicy             Category = "Policy"
	CategoryServiceHealth      Category = "ServiceHealth"
	CategoryResourceManagement Category = "ResourceManagement"
	CategoryAdministrative     Category = "Administrative"
	CategoryUncategorized      Category = "Uncategorized"
)

// LogRecord is one immutable, externally sourced audit, sign-in or activity
// entry. Fields are extracted on demand from Raw; missing fields read as empty.
type LogRecord struct {
	Stream   Stream
	Category Category
	Raw      []byte
}

// ID returns the natural id of the record.
func (r LogRecord) ID() string {
	switch r.Stream {
	case StreamActivity:
		if v := r.str("eventDataId"); v != "" {
			return v
		}
		return r.str("id")
	default:
		return r.str("id")
	}
}

// Timestamp returns the event time, or the zero time if absent or malformed.
func (r LogRecord) Timestamp() time.Time {
	var raw string
	switch r.Stream {
	case StreamDirectoryAudits:
		raw = r.str("activityDateTime")
	case StreamSignIns:
		raw = r.str("createdDateTime")
	case StreamActivity:
		raw = r.str("eventTimestamp")
	}
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// ActorID returns the id of the principal that performed the action, if known.
func (r LogRecord) ActorID() string {
	switch r.Stream {
	case StreamDirectoryAudits:
		if v := r.str("initiatedBy", "user", "id"); v != "" {
			return v
		}
		return r.str("initiatedBy", "app", "servicePrincipalId")
	case StreamSignIns:
		return r.str("userId")
	case StreamActivity:
		if v := r.str("claims", "http://schemas.microsoft.com/identity/claims/objectidentifier"); v != "" {
			return v
		}
		return r.str("caller")
	}
	return ""
}

// ActorName returns a human-readable actor reference.
func (r LogRecord) ActorName() string {
	switch r.Stream {
	case StreamDirectoryAudits:
		if v := r.str("initiatedBy", "user", "userPrincipalName"); v != "" {
			return v
		}
		return r.str("initiatedBy", "app", "displayName")
	case StreamSignIns:
		return r.str("userPrincipalName")
	case StreamActivity:
		return r.str("caller")
	}
	return ""
}

// TargetID returns the id of the resource the record refers to, if any.
func (r LogRecord) TargetID() string {
	switch r.Stream {
	case StreamDirectoryAudits:
		return r.str("targetResources", "[0]", "id")
	case StreamSignIns:
		if v := r.str("resourceId"); v != "" {
			return v
		}
		return r.str("appId")
	case StreamActivity:
		return r.str("resourceId")
	}
	return ""
}

// TargetName returns a human-readable resource reference.
func (r LogRecord) TargetName() string {
	switch r.Stream {
	case StreamDirectoryAudits:
		return r.str("targetResources", "[0]", "displayName")
	case StreamSignIns:
		if v := r.str("resourceDisplayName"); v != "" {
			return v
		}
		return r.str("appDisplayName")
	case StreamActivity:
		return r.str("resourceType", "value")
	}
	return ""
}

// Operation returns the operation or activity name.
func (r LogRecord) Operation() string {
	switch r.Stream {
	case StreamDirectoryAudits:
		return r.str("activityDisplayName")
	case StreamSignIns:
		return r.str("appDisplayName")
	case StreamActivity:
		return r.LocalizedField("operationName")
	}
	return ""
}

// LocalizedField reads a field that is either a plain string or an object
// carrying a "value" member.
func (r LogRecord) LocalizedField(key string) string {
	v, typ, _, err := jsonparser.Get(r.Raw, key)
	if err != nil {
		return ""
	}
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(v)
		if err != nil {
			return ""
		}
		return s
	case jsonparser.Object:
		s, err := jsonparser.GetString(v, "value")
		if err != nil {
			return ""
		}
		return s
	}
	return ""
}

// Field returns a nested string value, or "" if absent or not a string.
func (r LogRecord) Field(keys ...string) string {
	return r.str(keys...)
}

// RawField returns the raw JSON of a nested value, or nil if absent.
func (r LogRecord) RawField(keys ...string) []byte {
	v, _, _, err := jsonparser.Get(r.Raw, keys...)
	if err != nil {
		return nil
	}
	return v
}

func (r LogRecord) str(keys ...string) string {
	s, err := jsonparser.GetString(r.Raw, keys...)
	if err != nil {
		return ""
	}
	return s
}
