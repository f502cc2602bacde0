package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/eventphoto/photo-pipeline/internal/model"
)

var (
	// ErrAlreadySucceeded is returned by Upsert when a succeeded task exists
	// for the (image, kind) pair and no force-reprocess flag was given.
	ErrAlreadySucceeded = errors.New("task already succeeded for this image and kind")

	// ErrNoTask is returned by ClaimNext when no pending task is claimable.
	ErrNoTask = errors.New("no pending task")
)

const taskColumns = `id, image_id, kind, status, attempt_count, last_error, run_at, created_at, updated_at`

// Repository is the processing record store: one row per (image, kind) pair,
// with an atomic claim for worker pickup.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// Upsert inserts or resets the task row for (imageID, kind) to pending.
// The conditional conflict update makes enqueue idempotent: a succeeded row
// is left untouched (ErrAlreadySucceeded) and a running row is returned as-is
// so the worker executing it stays the only runner. force overrides both,
// resetting the row for reprocessing.
func (r *Repository) Upsert(ctx context.Context, imageID uuid.UUID, kind model.TaskKind, force bool) (model.ProcessingTask, error) {
	query := `
		INSERT INTO processing_tasks (id, image_id, kind, status, attempt_count, last_error, run_at)
		VALUES ($1, $2, $3, 'pending', 0, '', now())
		ON CONFLICT (image_id, kind) DO UPDATE
		SET status = 'pending', attempt_count = 0, last_error = '', run_at = now(), updated_at = now()
		WHERE processing_tasks.status NOT IN ('succeeded', 'running') OR $4
		RETURNING ` + taskColumns

	t, err := r.scanTask(r.db.QueryRowContext(ctx, query, uuid.New(), imageID, kind, force))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The row exists but was left untouched: terminal success, or a
			// worker is executing it right now.
			existing, lookErr := r.byImageKind(ctx, imageID, kind)
			if lookErr != nil {
				return model.ProcessingTask{}, fmt.Errorf("upsert: failed to load existing task: %w", lookErr)
			}

			if existing.Status == model.StatusSucceeded {
				return model.ProcessingTask{}, ErrAlreadySucceeded
			}

			return existing, nil
		}

		return model.ProcessingTask{}, fmt.Errorf("upsert: failed to enqueue task: %w", err)
	}

	return t, nil
}

func (r *Repository) byImageKind(ctx context.Context, imageID uuid.UUID, kind model.TaskKind) (model.ProcessingTask, error) {
	query := `SELECT ` + taskColumns + ` FROM processing_tasks WHERE image_id = $1 AND kind = $2`

	return r.scanTask(r.db.QueryRowContext(ctx, query, imageID, kind))
}

// ClaimNext atomically selects one due pending task and marks it running.
// SKIP LOCKED guarantees at-most-one worker claims a given row even when
// several workers poll concurrently. The attempt counter is incremented on
// claim, so a running task is always on attempt >= 1.
func (r *Repository) ClaimNext(ctx context.Context) (model.ProcessingTask, error) {
	query := `
		UPDATE processing_tasks
		SET status = 'running', attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM processing_tasks
			WHERE status = 'pending' AND run_at <= now()
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	t, err := r.scanTask(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProcessingTask{}, ErrNoTask
		}

		return model.ProcessingTask{}, fmt.Errorf("claim: failed to claim task: %w", err)
	}

	return t, nil
}

// MarkSucceeded transitions the task to its terminal succeeded state.
func (r *Repository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE processing_tasks
		SET status = 'succeeded', last_error = '', updated_at = now()
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("complete: failed to mark task succeeded: %w", err)
	}

	return nil
}

// MarkFailed transitions the task to its terminal failed state.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE processing_tasks
		SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id, lastError); err != nil {
		return fmt.Errorf("fail: failed to mark task failed: %w", err)
	}

	return nil
}

// ReclaimStale requeues running tasks whose last update is older than age.
// A row that stale belongs to a worker that died without finishing; putting
// it back to pending lets another worker pick it up. The attempt counted on
// the lost claim stays counted.
func (r *Repository) ReclaimStale(ctx context.Context, age time.Duration) (int64, error) {
	query := `
		UPDATE processing_tasks
		SET status = 'pending', run_at = now(), updated_at = now()
		WHERE status = 'running' AND updated_at < $1
	`

	res, err := r.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("reclaim: failed to requeue stale tasks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim: failed to count requeued tasks: %w", err)
	}

	return n, nil
}

// Reschedule puts a transiently failed task back to pending with a not-before
// time, implementing the dispatcher's backoff delay.
func (r *Repository) Reschedule(ctx context.Context, id uuid.UUID, lastError string, runAt time.Time) error {
	query := `
		UPDATE processing_tasks
		SET status = 'pending', last_error = $2, run_at = $3, updated_at = now()
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id, lastError, runAt); err != nil {
		return fmt.Errorf("reschedule: failed to reschedule task: %w", err)
	}

	return nil
}

// StatusByImage returns the processing state of every task for an image,
// used by the status endpoint so clients can poll artifact readiness.
func (r *Repository) StatusByImage(ctx context.Context, imageID uuid.UUID) ([]model.ProcessingTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM processing_tasks
		WHERE image_id = $1
		ORDER BY kind
	`

	rows, err := r.db.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("status: failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.ProcessingTask
	for rows.Next() {
		var t model.ProcessingTask
		if err := rows.Scan(
			&t.ID, &t.ImageID, &t.Kind, &t.Status, &t.AttemptCount,
			&t.LastError, &t.RunAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("status: failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status: failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanTask(row rowScanner) (model.ProcessingTask, error) {
	var t model.ProcessingTask
	err := row.Scan(
		&t.ID, &t.ImageID, &t.Kind, &t.Status, &t.AttemptCount,
		&t.LastError, &t.RunAt, &t.CreatedAt, &t.UpdatedAt,
	)

	return t, err
}
