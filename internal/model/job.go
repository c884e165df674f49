package model

import "time"

// JobStatus is the server-side state of an async job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AsyncJob is a background extraction of a large document.
type AsyncJob struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	Status       JobStatus `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
