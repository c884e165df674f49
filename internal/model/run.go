package model

import "time"

// RunStatus is the state of a harvest run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// HarvestRun groups one discovery and scrape session. Pages reference it by
// id for correlation only.
type HarvestRun struct {
	ID                string     `json:"id"`
	SourceSites       []string   `json:"source_sites"`
	Status            RunStatus  `json:"status"`
	PagesDiscovered   int        `json:"pages_discovered"`
	PagesInserted     int        `json:"pages_inserted"`
	Duplicates        int        `json:"duplicates"`
	Skipped           int        `json:"skipped"`
	Errors            int        `json:"errors"`
	OrphansReconciled int        `json:"orphans_reconciled"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}
