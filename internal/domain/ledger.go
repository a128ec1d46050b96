package domain

import (
	"context"
	"time"
)

// SessionRecord is the metadata kept for one relay session. Message text is
// never recorded.
type SessionRecord struct {
	ID          string        `json:"id"`
	Event       string        `json:"event"`
	Provider    ProviderKind  `json:"provider"`
	Status      string        `json:"status"` // completed | failed | canceled
	Deltas      int           `json:"deltas"`
	OutputBytes int           `json:"output_bytes"`
	Attachments int           `json:"attachments"`
	ErrorClass  string        `json:"error_class,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FirstDelta  time.Duration `json:"first_delta"`
	Duration    time.Duration `json:"duration"`
}

// Recorder persists finished sessions.
type Recorder interface {
	Record(ctx context.Context, rec SessionRecord) error
}
