package webhook

import "time"

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the payload posted to a job's webhook URL when the worker
// finishes with it, in either direction.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Format     string    `json:"format,omitempty"`
	ObjectKey  string    `json:"object_key,omitempty"`
	ObjectURL  string    `json:"object_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
