package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// PipelineRun is the operational record of one pipeline execution.
type PipelineRun struct {
	ID         int64      `json:"id" db:"id"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at" db:"finished_at"`
	Status     RunStatus  `json:"status" db:"status"`
	Summary    RunSummary `json:"summary" db:"summary"`
	Error      string     `json:"error,omitempty" db:"error"`
}

// RunSummary accounts for every candidate and verification attempt of a run.
type RunSummary struct {
	QueriesIssued    int `json:"queries_issued"`
	QueriesFailed    int `json:"queries_failed"`
	CandidatesSeen   int `json:"candidates_seen"`
	Discovered       int `json:"discovered"` // newly inserted
	Merged           int `json:"merged"`
	Suppressed       int `json:"suppressed"`
	Rejected         int `json:"rejected"` // unusable URL
	IngestErrors     int `json:"ingest_errors"`
	Verified         int `json:"verified"`
	Qualified        int `json:"qualified"`
	Interesting      int `json:"interesting"`
	Dismissed        int `json:"dismissed"`
	InvalidURL       int `json:"invalid_url"`
	VerifyFailed     int `json:"verify_failed"`
	VerifyStoreError int `json:"verify_store_errors"`
	// VerifySkipped counts records never attempted because the run was
	// cancelled first.
	VerifySkipped int `json:"verify_skipped"`
}

func (s RunSummary) ToJSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// RunLog is a persisted log line. RunID is nil for lines written outside a
// pipeline run, such as verify sweeps.
type RunLog struct {
	ID        int64     `json:"id" db:"id"`
	RunID     *int64    `json:"run_id" db:"run_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Component string    `json:"component" db:"component"`
}
