package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Krau5e/CrowdGate/internal/domain"
	"github.com/Krau5e/CrowdGate/internal/domain/association"
)

// Store implements statestore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RecordPublished creates the association with its confirmed handle and a
// draft -> running history in one transaction. The conditional insert on the
// (experiment_id, platform) unique key serializes concurrent publishers: the
// loser gets domain.ErrConflict and must tear down its duplicate task.
func (s *Store) RecordPublished(ctx context.Context, experimentID, platform string, handle json.RawMessage) (*association.Association, error) {
	if len(handle) == 0 {
		return nil, errors.New("record published: empty task handle")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a := &association.Association{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		Platform:     platform,
		TaskHandle:   handle,
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO experiments_platforms (id, experiment_id, platform, task_handle)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (experiment_id, platform) DO NOTHING`,
		a.ID, experimentID, platform, handle)
	if err != nil {
		return nil, fmt.Errorf("insert association: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("association %s/%s: %w", experimentID, platform, domain.ErrConflict)
	}

	err = tx.QueryRow(ctx,
		`SELECT created_at FROM experiments_platforms WHERE id = $1`, a.ID).
		Scan(&a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("read association: %w", err)
	}

	for _, st := range []association.Status{association.StatusDraft, association.StatusRunning} {
		_, err = tx.Exec(ctx,
			`INSERT INTO experiments_platform_statuses (association_id, status) VALUES ($1, $2)`,
			a.ID, st)
		if err != nil {
			return nil, fmt.Errorf("insert status %s: %w", st, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return a, nil
}

// GetAssociation returns the association for (platform, experimentID).
func (s *Store) GetAssociation(ctx context.Context, platform, experimentID string) (*association.Association, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, experiment_id, platform, task_handle, created_at
		 FROM experiments_platforms
		 WHERE platform = $1 AND experiment_id = $2`, platform, experimentID)

	a, err := scanAssociation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("association %s/%s: %w", experimentID, platform, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get association: %w", err)
	}
	return a, nil
}

// ListAssociations returns every association of the experiment.
func (s *Store) ListAssociations(ctx context.Context, experimentID string) ([]association.Association, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, experiment_id, platform, task_handle, created_at
		 FROM experiments_platforms
		 WHERE experiment_id = $1
		 ORDER BY created_at`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	defer rows.Close()

	var out []association.Association
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetTaskHandle records a refreshed handle. Handles are write-only forward:
// an empty handle is rejected so a recorded handle can never be lost.
func (s *Store) SetTaskHandle(ctx context.Context, associationID string, handle json.RawMessage) error {
	if len(handle) == 0 {
		return errors.New("set task handle: empty handle")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiments_platforms SET task_handle = $2 WHERE id = $1`,
		associationID, handle)
	if err != nil {
		return fmt.Errorf("set task handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("association %s: %w", associationID, domain.ErrNotFound)
	}
	return nil
}

// AppendStatus appends a status entry after verifying the transition is
// monotonic. The association row is locked for the duration so concurrent
// appends to the same history serialize.
func (s *Store) AppendStatus(ctx context.Context, associationID string, st association.Status) error {
	if !st.Valid() {
		return fmt.Errorf("append status: unknown status %q", st)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx,
		`SELECT id FROM experiments_platforms WHERE id = $1 FOR UPDATE`, associationID).
		Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("association %s: %w", associationID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock association: %w", err)
	}

	var current association.Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM experiments_platform_statuses
		 WHERE association_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, associationID).
		Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if st != association.StatusDraft {
			return fmt.Errorf("first status must be draft, got %s: %w", st, domain.ErrConflict)
		}
	case err != nil:
		return fmt.Errorf("read current status: %w", err)
	default:
		if !association.CanTransition(current, st) {
			return fmt.Errorf("status %s -> %s: %w", current, st, domain.ErrConflict)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO experiments_platform_statuses (association_id, status) VALUES ($1, $2)`,
		associationID, st)
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendMode appends a mode entry.
func (s *Store) AppendMode(ctx context.Context, associationID string, m association.Mode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO experiments_platform_modes (association_id, mode) VALUES ($1, $2)`,
		associationID, m)
	if err != nil {
		return fmt.Errorf("append mode: %w", err)
	}
	return nil
}

// CurrentStatus returns the most recent status entry of the association.
func (s *Store) CurrentStatus(ctx context.Context, associationID string) (association.Status, error) {
	var st association.Status
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM experiments_platform_statuses
		 WHERE association_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, associationID).
		Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("status of %s: %w", associationID, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("current status: %w", err)
	}
	return st, nil
}

// CurrentStatuses returns the current status of every association of the
// experiment, keyed by platform name.
func (s *Store) CurrentStatuses(ctx context.Context, experimentID string) (map[string]association.Status, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (ep.id) ep.platform, st.status
		 FROM experiments_platforms ep
		 JOIN experiments_platform_statuses st ON st.association_id = ep.id
		 WHERE ep.experiment_id = $1
		 ORDER BY ep.id, st.created_at DESC, st.id DESC`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("current statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]association.Status)
	for rows.Next() {
		var platform string
		var st association.Status
		if err := rows.Scan(&platform, &st); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out[platform] = st
	}
	return out, rows.Err()
}

// ScheduleFinalize records the finalization eligibility time. An existing
// earlier schedule wins so restarts never push a shutdown further out.
func (s *Store) ScheduleFinalize(ctx context.Context, experimentID string, eligibleAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO experiment_finalizations (experiment_id, eligible_at)
		 VALUES ($1, $2)
		 ON CONFLICT (experiment_id)
		 DO UPDATE SET eligible_at = LEAST(experiment_finalizations.eligible_at, EXCLUDED.eligible_at)`,
		experimentID, eligibleAt)
	if err != nil {
		return fmt.Errorf("schedule finalize: %w", err)
	}
	return nil
}

// DueFinalizations returns experiments whose eligibility time has passed.
func (s *Store) DueFinalizations(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id FROM experiment_finalizations
		 WHERE eligible_at <= $1
		 ORDER BY eligible_at`, now)
	if err != nil {
		return nil, fmt.Errorf("due finalizations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan finalization: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClearFinalize removes a pending finalization.
func (s *Store) ClearFinalize(ctx context.Context, experimentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM experiment_finalizations WHERE experiment_id = $1`, experimentID)
	if err != nil {
		return fmt.Errorf("clear finalize: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssociation(row rowScanner) (*association.Association, error) {
	var a association.Association
	var handle []byte
	if err := row.Scan(&a.ID, &a.ExperimentID, &a.Platform, &handle, &a.CreatedAt); err != nil {
		return nil, err
	}
	if len(handle) > 0 {
		a.TaskHandle = json.RawMessage(handle)
	}
	return &a, nil
}
