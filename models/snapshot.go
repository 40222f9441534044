package models

import (
	"time"

	"github.com/google/uuid"
)

// PageSnapshot records a page fetched during verification. The body itself
// lives in object storage under S3Key when archiving is enabled.
type PageSnapshot struct {
	ID          int64     `json:"id" db:"id"`
	PropertyID  uuid.UUID `json:"property_id" db:"property_id"`
	URL         string    `json:"url" db:"url"`
	FinalURL    string    `json:"final_url" db:"final_url"`
	StatusCode  int       `json:"status_code" db:"status_code"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	S3Key       *string   `json:"s3_key" db:"s3_key"`
	Outcome     string    `json:"outcome" db:"outcome"`
	FetchedAt   time.Time `json:"fetched_at" db:"fetched_at"`
}
