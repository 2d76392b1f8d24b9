package analyzer

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist. Corrupted
// records are deleted on read and reported through this same error so
// callers never observe partial state.
var ErrNotFound = errors.New("not found")

// JobStore is the key-value backed job state machine.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Update(ctx context.Context, id string, patch JobPatch) (Job, error)
	Complete(ctx context.Context, id string, result ReportResult) (Job, error)
	Fail(ctx context.Context, id string, message string) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
}

// ReportStore persists completed reports durably and serves cached lookups.
type ReportStore interface {
	GetByURL(ctx context.Context, url string) (ReportResult, error)
	GetByID(ctx context.Context, id string) (ReportResult, error)
	Put(ctx context.Context, report StoredReport) error
	Delete(ctx context.Context, id string) error
	DeleteByEmail(ctx context.Context, email string) (int, error)
}

// BlobStore writes screenshot artifacts and returns their public URL.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Queue dispatches accepted submissions to workers. Messages are acked only
// after the pipeline finishes; unhandled failures are redelivered.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, AckFunc, error)
}

// AckFunc settles a dequeued message. Call with true to acknowledge, false
// to request redelivery.
type AckFunc func(ok bool)

// Renderer captures the two above-the-fold screenshots for a page.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderResult, error)
}

// PartialScoreFunc receives the overall score as soon as it is decodable
// from a streaming model response.
type PartialScoreFunc func(score int)

// Scorer sends a screenshot to a vision model and returns a schema-valid
// report.
type Scorer interface {
	Analyze(ctx context.Context, image []byte, onPartial PartialScoreFunc) (ReportData, error)
}

// RateLimiter bounds request volume per key within a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Notifier delivers completion/failure webhooks. Delivery outcome never
// affects job state.
type Notifier interface {
	Notify(ctx context.Context, url string, payload map[string]any, secret string) bool
}

// Verifier checks a human-verification token. Only the boolean outcome is
// consumed; challenge issuance is out of scope.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// Clock abstracts time.Now for tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique job and report identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
