package harvest

import (
	"context"
	"io"
	"time"
)

// CredentialProvider obtains a usable registry session.
type CredentialProvider interface {
	Acquire(ctx context.Context) (SessionCredential, error)
}

// Registry issues the two registry calls. Implementations return the raw
// response for any HTTP status and reserve the error for transport failures.
type Registry interface {
	Search(ctx context.Context, item WorkItem, credential SessionCredential) (Response, error)
	Detail(ctx context.Context, subID string, credential SessionCredential) (Response, error)
}

// Processor resolves one WorkItem into an ItemOutcome.
type Processor interface {
	Process(ctx context.Context, item WorkItem, credential SessionCredential) ItemOutcome
}

// CheckpointStore persists run artifacts and returns their locations.
type CheckpointStore interface {
	Persist(ctx context.Context, report RunReport) (string, error)
	PersistManifest(ctx context.Context, manifest ResumeManifest) (string, error)
}

// BlobStore writes and reads whole documents. A written object is never
// visible half-written.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// RunRecorder indexes finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary RunSummary) error
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Pauser waits between batches.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}
