package jobstore

import "time"

// JobType distinguishes a plain chat turn from a retrieval-augmented one.
type JobType string

const (
	JobTypeChat JobType = "chat"
	JobTypeRAG  JobType = "rag"
)

// JobStatus is the lifecycle state of a Job (spec §3).
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusStreaming JobStatus = "streaming"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status is one a job can never leave.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// allowedTransitions enumerates every legal job status transition. Anything
// not listed here is rejected by transitionTx, matching spec §3's invariant
// that a job can never leave a terminal status.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	StatusPending: {
		StatusStreaming: true,
		StatusError:     true, // queue-wait timeout (§4.5)
		StatusCancelled: true,
	},
	StatusStreaming: {
		StatusCompleted: true,
		StatusError:     true,
		StatusCancelled: true,
	},
}

// Job mirrors spec §3's Job entity.
type Job struct {
	ID               string
	ConversationID   string
	Type             JobType
	RequestPayload   string // opaque JSON, validated only at the envelope level
	RequestedModel   string
	ModelSequence    []string
	Priority         int
	MaxWaitSeconds   int
	Status           JobStatus
	QueuePosition    int
	Content          string
	Thinking         string
	Sources          string // opaque JSON blob, set at most once
	MessageID        string
	QueuedAt         time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	LastUpdateAt     time.Time
	ErrorMessage     string
}

// EnqueueOptions carries the optional fields of enqueue (spec §4.1/§6).
type EnqueueOptions struct {
	Model          string
	ModelSequence  []string
	Priority       int
	MaxWaitSeconds int
}

// EnqueueResult is returned synchronously from Enqueue.
type EnqueueResult struct {
	JobID         string
	MessageID     string
	QueuePosition int
	ResolvedModel string
}
