// Package funnel defines the two independent state machines a property moves
// through: the machine-owned funnel stage and the human-owned review status.
//
// Funnel stage graph:
//
//	discovered ──► qualified ───┐
//	    │      └─► interesting ─┴──► contacted
//	    │               │                │
//	    └───────────────┴────────────────┴──► dismissed ──(admin)──► discovered
//
// dismissed is terminal for organic flow; reactivation is an admin edge.
package funnel

import (
	"fmt"

	"edge_finder/models"
)

// ValidationError is returned for invalid transition targets or malformed
// fields. The record is never modified when it is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

var verifierTransitions = map[models.FunnelStage][]models.FunnelStage{
	models.StageDiscovered:  {models.StageQualified, models.StageInteresting, models.StageDismissed},
	models.StageQualified:   {models.StageDismissed}, // sold on re-verification
	models.StageInteresting: {models.StageDismissed},
}

var reviewerTransitions = map[models.FunnelStage][]models.FunnelStage{
	models.StageDiscovered:  {models.StageDismissed},
	models.StageQualified:   {models.StageContacted, models.StageDismissed},
	models.StageInteresting: {models.StageContacted, models.StageDismissed},
	models.StageContacted:   {models.StageDismissed},
}

var adminTransitions = map[models.FunnelStage][]models.FunnelStage{
	models.StageDismissed: {models.StageDiscovered},
}

// ParseStage converts a raw string to a FunnelStage.
func ParseStage(s string) (models.FunnelStage, error) {
	st := models.FunnelStage(s)
	if IsValidStage(st) {
		return st, nil
	}
	return "", invalid("unknown funnel stage %q", s)
}

func IsValidStage(st models.FunnelStage) bool {
	switch st {
	case models.StageDiscovered, models.StageQualified, models.StageInteresting,
		models.StageContacted, models.StageDismissed:
		return true
	}
	return false
}

// CanTransition reports whether actor may move a record from one stage to
// another. Self-transitions are never transitions.
func CanTransition(from, to models.FunnelStage, actor models.Actor) bool {
	var table map[models.FunnelStage][]models.FunnelStage
	switch actor {
	case models.ActorVerifier:
		table = verifierTransitions
	case models.ActorReviewer:
		table = reviewerTransitions
	case models.ActorAdmin:
		table = adminTransitions
	default:
		return false
	}
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition with a descriptive error.
func CheckTransition(from, to models.FunnelStage, actor models.Actor) error {
	if !IsValidStage(to) {
		return invalid("unknown funnel stage %q", to)
	}
	if !CanTransition(from, to, actor) {
		return invalid("%s cannot move funnel stage %s -> %s", actor, from, to)
	}
	return nil
}

// IsTerminal reports whether no organic transition leaves the stage.
func IsTerminal(st models.FunnelStage) bool {
	return st == models.StageDismissed
}

// ParseDismissReason converts a raw string to a DismissReason.
func ParseDismissReason(s string) (models.DismissReason, error) {
	for _, r := range models.AllDismissReasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", invalid("unknown dismissal reason %q", s)
}

// ValidateDismissal enforces that a dismissed record carries a reason.
func ValidateDismissal(to models.FunnelStage, reason *models.DismissReason) error {
	if to != models.StageDismissed {
		return nil
	}
	if reason == nil || *reason == "" {
		return invalid("dismissal requires a reason")
	}
	if _, err := ParseDismissReason(string(*reason)); err != nil {
		return err
	}
	return nil
}
