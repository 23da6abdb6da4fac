// Package statestore defines the port interface for the persisted
// per-(experiment, platform) association state.
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Krau5e/CrowdGate/internal/domain/association"
)

// Store is the port interface the orchestration core uses to record and read
// platform associations and their append-only status history.
//
// Status history is append-only. Implementations must reject appends that
// would move a history backward (see association.CanTransition) and must make
// the current status the max-(timestamp, id) entry, never a mutable column.
type Store interface {
	// RecordPublished atomically creates the association for
	// (experimentID, platform) with its confirmed external task handle and a
	// draft -> running history, in one transaction. Returns
	// domain.ErrConflict if the association already exists; the conditional
	// insert is the serialization point that keeps concurrent publishes of
	// the same pair from creating duplicates.
	RecordPublished(ctx context.Context, experimentID, platform string, handle json.RawMessage) (*association.Association, error)

	// GetAssociation returns the association for (platform, experimentID),
	// or domain.ErrNotFound.
	GetAssociation(ctx context.Context, platform, experimentID string) (*association.Association, error)

	// ListAssociations returns every association of the experiment.
	ListAssociations(ctx context.Context, experimentID string) ([]association.Association, error)

	// SetTaskHandle records a refreshed external task handle on an existing
	// association. Handles are never cleared; an empty handle is rejected.
	SetTaskHandle(ctx context.Context, associationID string, handle json.RawMessage) error

	// AppendStatus appends a status entry. Returns domain.ErrConflict if the
	// transition from the current status would not be monotonic.
	AppendStatus(ctx context.Context, associationID string, s association.Status) error

	// AppendMode appends a mode entry.
	AppendMode(ctx context.Context, associationID string, m association.Mode) error

	// CurrentStatus returns the most recent status of the association.
	CurrentStatus(ctx context.Context, associationID string) (association.Status, error)

	// CurrentStatuses returns the most recent status of every association of
	// the experiment, keyed by platform name.
	CurrentStatuses(ctx context.Context, experimentID string) (map[string]association.Status, error)

	// ScheduleFinalize durably records that the experiment becomes eligible
	// for finalization at the given time. Re-scheduling an already scheduled
	// experiment keeps the earlier eligibility time.
	ScheduleFinalize(ctx context.Context, experimentID string, eligibleAt time.Time) error

	// DueFinalizations returns the experiments whose eligibility time has
	// passed at now.
	DueFinalizations(ctx context.Context, now time.Time) ([]string, error)

	// ClearFinalize removes the pending finalization of the experiment.
	ClearFinalize(ctx context.Context, experimentID string) error
}
