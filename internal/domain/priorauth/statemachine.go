package priorauth

import (
	"fmt"
	"strings"
)

// externalLabels maps automation engine status labels (lower-cased) to
// internal statuses.
var externalLabels = map[string]Status{
	"in_progress":          StatusInProgress,
	"running":              StatusInProgress,
	"started":              StatusInProgress,
	"processing_step":      StatusInProgress,
	"processing":           StatusProcessing,
	"waiting_for_user":     StatusUserActionRequired,
	"paused":               StatusUserActionRequired,
	"user_action_required": StatusUserActionRequired,
	"action_needed":        StatusUserActionRequired,
	"completed":            StatusCompleted,
	"success":              StatusCompleted,
	"succeeded":            StatusCompleted,
	"failed":               StatusFailed,
	"error":                StatusFailed,
	"cancelled":            StatusFailed,
}

// MapLabel translates an external status label. Unknown labels map to
// IN_PROGRESS and report ok=false so the caller can preserve the raw label.
func MapLabel(label string) (status Status, ok bool) {
	status, ok = externalLabels[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return StatusInProgress, false
	}
	return status, true
}

// transitions is the allowed edge set. Terminal states have no entry.
var transitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusProcessing:         true,
		StatusInProgress:         true,
		StatusUserActionRequired: true,
		StatusFailed:             true,
	},
	StatusProcessing: {
		StatusProcessing:         true,
		StatusInProgress:         true,
		StatusUserActionRequired: true,
		StatusCompleted:          true,
		StatusFailed:             true,
	},
	StatusInProgress: {
		StatusInProgress:         true,
		StatusUserActionRequired: true,
		StatusCompleted:          true,
		StatusFailed:             true,
	},
	StatusUserActionRequired: {
		StatusUserActionRequired: true,
		StatusInProgress:         true,
		StatusProcessing:         true,
		StatusCompleted:          true,
		StatusFailed:             true,
	},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ResolveTarget returns the status a request in state from should move to
// when to is requested. Unreachable targets are clamped to IN_PROGRESS, which
// every non-terminal state can reach. Callers must handle terminal from
// states themselves.
func ResolveTarget(from, to Status) (target Status, clamped bool) {
	if CanTransition(from, to) {
		return to, false
	}
	return StatusInProgress, true
}

func clampRemark(label string, from Status) string {
	return fmt.Sprintf("status %q not reachable from %s; holding at %s", label, from, StatusInProgress)
}
