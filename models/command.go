package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRunPipeline CommandType = "run_pipeline"
	CmdClassifyOne CommandType = "classify_one"
	CmdVerifySweep CommandType = "verify_sweep"
	CmdPause       CommandType = "pause"
	CmdResume      CommandType = "resume"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	PropertyID string          `json:"property_id,omitempty"`
	Categories []QueryCategory `json:"categories,omitempty"`
	Query      string          `json:"query,omitempty"`
	NoVerify   bool            `json:"no_verify,omitempty"`
}
