package models

import (
	"time"

	"github.com/google/uuid"
)

// DismissalPattern is a learned exclusion derived from a manual dismissal.
// Key is canonical ("reason:tok+tok") and unique across the pattern store.
type DismissalPattern struct {
	Key            string        `json:"key" db:"pattern_key"`
	Reason         DismissReason `json:"reason" db:"reason"`
	Tokens         []string      `json:"tokens" db:"tokens"`
	SourceProperty uuid.UUID     `json:"source_property" db:"source_property"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}
