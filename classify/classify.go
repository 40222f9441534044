// Package classify turns a fetched page into a verification verdict.
package classify

import (
	"context"
	"errors"
	"fmt"
)

type Availability string

const (
	Available Availability = "available"
	Sold      Availability = "sold"
	News      Availability = "news"     // article about a property, not a listing
	Upcoming  Availability = "upcoming" // closure or sale announced but not listed
	Unknown   Availability = "unknown"
)

func parseAvailability(s string) (Availability, bool) {
	switch a := Availability(s); a {
	case Available, Sold, News, Upcoming, Unknown:
		return a, true
	}
	return "", false
}

// Request is everything the classifier sees about one property.
type Request struct {
	URL         string
	Title       string
	SourceType  string
	Location    string
	Description string
	PageText    string
}

// Result is a successful classification. Extracted fields are nil when the
// model gave nothing usable.
type Result struct {
	Availability Availability
	IsListing    bool
	PropertyType string
	Confidence   float64 // 0..1
	Reason       string

	Price     *string
	Beds      *int
	Acreage   *float64
	YearBuilt *int

	Score   *int
	Summary *string
}

type ErrorKind int

const (
	// KindTransient failures (rate limits, timeouts, 5xx) may succeed on retry.
	KindTransient ErrorKind = iota
	// KindMalformed means the model answered but the answer was unusable.
	KindMalformed
	// KindFatal failures will not succeed on retry (bad key, bad request).
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindFatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("classify (%s): %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func transient(err error) error { return &Error{Kind: KindTransient, Err: err} }
func malformed(err error) error { return &Error{Kind: KindMalformed, Err: err} }
func fatal(err error) error     { return &Error{Kind: KindFatal, Err: err} }

// KindOf reports the kind of a classification error. Errors that are not
// *Error are treated as transient.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsRetryable is true for transient errors only.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}
