package domain

import "time"

// SyncCursor is the persisted position of one log stream: an opaque
// continuation URL, or an RFC 3339 timestamp for the activity stream.
// Absence means cold start.
type SyncCursor struct {
	Stream    Stream
	Value     string
	UpdatedAt time.Time
}
