package projection

import (
	"go.uber.org/multierr"

	"idgov/internal/domain"
)

// ItemResult is the outcome of projecting one input item.
type ItemResult struct {
	Key     string
	Skipped bool // no natural key; nothing was written
	Err     error
}

// BatchResult collects per-item outcomes of one projection call.
type BatchResult struct {
	Items []ItemResult
}

func (b *BatchResult) add(key string, err error) {
	b.Items = append(b.Items, ItemResult{Key: key, Err: err})
}

func (b *BatchResult) skip(key string) {
	b.Items = append(b.Items, ItemResult{Key: key, Skipped: true})
}

// Written returns how many items were merged.
func (b *BatchResult) Written() int {
	n := 0
	for _, it := range b.Items {
		if !it.Skipped && it.Err == nil {
			n++
		}
	}
	return n
}

// SkippedCount returns how many items had no natural key.
func (b *BatchResult) SkippedCount() int {
	n := 0
	for _, it := range b.Items {
		if it.Skipped {
			n++
		}
	}
	return n
}

// Failed returns how many items failed.
func (b *BatchResult) Failed() int {
	n := 0
	for _, it := range b.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

// Err aggregates item failures into a ProjectionError, or returns nil.
func (b *BatchResult) Err() error {
	var combined error
	for _, it := range b.Items {
		combined = multierr.Append(combined, it.Err)
	}
	if combined == nil {
		return nil
	}
	return &domain.ProjectionError{Failed: b.Failed(), Err: combined}
}
