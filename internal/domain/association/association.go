// Package association defines the persisted join between one experiment and one
// crowd platform it is published to, together with its append-only status history.
package association

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a platform association.
// Statuses are append-only: a new entry is written for every transition and the
// current status is the most recent entry, so the full history stays auditable.
type Status string

const (
	// StatusDraft is set when the association is created, before the platform
	// has confirmed publication.
	StatusDraft Status = "draft"
	// StatusRunning is set once the platform confirmed publication and the
	// external task handle has been recorded.
	StatusRunning Status = "running"
	// StatusCreativeStopping means the task no longer accepts new creative
	// answers but is still live for ratings.
	StatusCreativeStopping Status = "creative_stopping"
	// StatusShutdown means the task has been unpublished and is draining
	// in-flight worker submissions.
	StatusShutdown Status = "shutdown"
	// StatusFinished is terminal: the task is closed and the cooldown, where
	// one applied, has elapsed.
	StatusFinished Status = "finished"
)

// rank orders statuses along the forward lifecycle. creative_stopping and
// shutdown are parallel branches at the same depth.
func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusRunning:
		return 1
	case StatusCreativeStopping, StatusShutdown:
		return 2
	case StatusFinished:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether s ends the lifecycle.
func (s Status) Terminal() bool { return s == StatusFinished }

// Draining reports whether the task is closed to new work but not yet finished.
func (s Status) Draining() bool {
	return s == StatusCreativeStopping || s == StatusShutdown
}

// CanTransition reports whether appending `to` after `from` keeps the history
// monotonic. Transitions only move forward; the two draining branches never
// cross into each other.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.rank() > from.rank()
}

// Mode is the orthogonal operational mode of an association, recorded with the
// same append-only discipline as Status.
type Mode string

const (
	// ModeNormal is the default fully automated operation.
	ModeNormal Mode = "normal"
	// ModeDegraded marks an association that requires manual operator
	// handling, e.g. after a failed compensation.
	ModeDegraded Mode = "degraded"
)

// Association joins one experiment to one platform it has been (or is being)
// published to. It is created when publication is first confirmed and never
// deleted while the experiment exists.
type Association struct {
	ID           string          `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	Platform     string          `json:"platform"`
	// TaskHandle is the opaque identifier the platform returned on publish.
	// It is required to unpublish the task later and must never be cleared
	// once set, even after the association reaches finished.
	TaskHandle json.RawMessage `json:"task_handle,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StatusEntry is one row of an association's status history.
type StatusEntry struct {
	ID            int64     `json:"id"`
	AssociationID string    `json:"association_id"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// ModeEntry is one row of an association's mode history.
type ModeEntry struct {
	ID            int64     `json:"id"`
	AssociationID string    `json:"association_id"`
	Mode          Mode      `json:"mode"`
	CreatedAt     time.Time `json:"created_at"`
}
