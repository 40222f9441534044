package funnel

import "edge_finder/models"

// ParseStatus converts a raw string to a ReviewStatus.
func ParseStatus(s string) (models.ReviewStatus, error) {
	st := models.ReviewStatus(s)
	if IsValidStatus(st) {
		return st, nil
	}
	return "", invalid("unknown review status %q", s)
}

func IsValidStatus(st models.ReviewStatus) bool {
	switch st {
	case models.StatusNew, models.StatusStarred, models.StatusReviewed,
		models.StatusContacted, models.StatusPassed, models.StatusArchived:
		return true
	}
	return false
}

// isToggle marks statuses that revert to New when requested twice.
func isToggle(st models.ReviewStatus) bool {
	return st == models.StatusStarred || st == models.StatusPassed
}

// NextStatus resolves a requested review status against the current one.
// Every status is reachable from every other; Starred and Passed behave as
// toggles, so requesting the current toggle state yields New.
func NextStatus(current, requested models.ReviewStatus) (models.ReviewStatus, error) {
	if !IsValidStatus(requested) {
		return "", invalid("unknown review status %q", requested)
	}
	if isToggle(requested) && current == requested {
		return models.StatusNew, nil
	}
	return requested, nil
}
