package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// transitionPlan is what a caller wants written when a job changes status.
type transitionPlan struct {
	to      Status
	set     map[string]any
	attempt int
	message string
}

type planFunc func(job *Job, now string) (transitionPlan, error)

// applyTransition moves one job inside its own transaction and returns the
// updated row.
func (s *Store) applyTransition(ctx context.Context, id int64, plan planFunc) (*Job, error) {
	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.transitionTx(ctx, tx, id, plan)
		return err
	}); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// transitionTx validates and writes a status change plus its history row.
// The UPDATE is guarded on the status read in the same transaction so a
// concurrent writer surfaces as a TransitionError.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id int64, plan planFunc) (*Job, error) {
	job, err := selectJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := formatTime(s.timestamp())
	p, err := plan(job, now)
	if err != nil {
		return nil, err
	}
	if !CanTransition(job.Status, p.to) {
		return nil, &TransitionError{JobID: id, From: job.Status, To: p.to}
	}

	set := make(map[string]any, len(p.set)+2)
	for column, value := range p.set {
		set[column] = value
	}
	set["status"] = p.to
	set["updated_at"] = now

	query, args, err := builder().
		Update("engraving_jobs").
		SetMap(set).
		Where(sq.Eq{"id": id, "status": job.Status}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build transition: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if affected == 0 {
		return nil, &TransitionError{JobID: id, From: job.Status, To: p.to}
	}
	if err := insertHistory(ctx, tx, id, job.Status, p.to, p.attempt, p.message, now); err != nil {
		return nil, err
	}
	job.Status = p.to
	return job, nil
}

func selectJobTx(ctx context.Context, tx *sql.Tx, id int64) (*Job, error) {
	query, args, err := builder().Select(jobColumns...).From("engraving_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

func expectStatus(job *Job, from, to Status) error {
	if job.Status != from {
		return &TransitionError{JobID: job.ID, From: job.Status, To: to}
	}
	return nil
}

// Claim takes a pending job for the worker. It fails with ErrInvalidTransition
// when the job is no longer pending.
func (s *Store) Claim(ctx context.Context, id int64, correlationID string) (*Job, error) {
	return s.applyTransition(ctx, id, func(job *Job, now string) (transitionPlan, error) {
		if err := expectStatus(job, StatusPending, StatusInProgress); err != nil {
			return transitionPlan{}, err
		}
		return transitionPlan{
			to: StatusInProgress,
			set: map[string]any{
				"started_at":       now,
				"last_heartbeat":   now,
				"next_attempt_at":  nil,
				"correlation_id":   nullableString(correlationID),
				"lines_sent":       0,
				"lines_total":      0,
				"progress_message": "Preparing artifact",
			},
			attempt: job.CurrentAttempt(),
			message: "Claimed by worker",
		}, nil
	})
}

// Transition moves a job from an expected status to another allowed status.
func (s *Store) Transition(ctx context.Context, id int64, from, to Status, message string) (*Job, error) {
	return s.applyTransition(ctx, id, func(job *Job, now string) (transitionPlan, error) {
		if err := expectStatus(job, from, to); err != nil {
			return transitionPlan{}, err
		}
		set := map[string]any{}
		if message != "" {
			set["progress_message"] = message
		}
		switch to {
		case StatusCompleted, StatusFailed:
			set["completed_at"] = now
			set["last_heartbeat"] = nil
		case StatusPending:
			set["last_heartbeat"] = nil
		case StatusInProgress, StatusEngraving:
			set["last_heartbeat"] = now
		}
		return transitionPlan{to: to, set: set, attempt: job.CurrentAttempt(), message: message}, nil
	})
}

// Complete marks an engraving job as finished.
func (s *Store) Complete(ctx context.Context, id int64, message string) (*Job, error) {
	return s.applyTransition(ctx, id, func(job *Job, now string) (transitionPlan, error) {
		if err := expectStatus(job, StatusEngraving, StatusCompleted); err != nil {
			return transitionPlan{}, err
		}
		if message == "" {
			message = "Engraving complete"
		}
		return transitionPlan{
			to: StatusCompleted,
			set: map[string]any{
				"completed_at":     now,
				"error_message":    nil,
				"next_attempt_at":  nil,
				"last_heartbeat":   nil,
				"progress_message": message,
			},
			attempt: job.CurrentAttempt(),
			message: message,
		}, nil
	})
}

// Fail records a failed attempt. The job returns to pending with its retry
// time while attempts remain and the failure is not permanent; otherwise it
// becomes failed.
func (s *Store) Fail(ctx context.Context, id int64, failure Failure) (*Job, error) {
	return s.applyTransition(ctx, id, func(job *Job, now string) (transitionPlan, error) {
		if !job.IsProcessing() {
			return transitionPlan{}, &TransitionError{JobID: id, From: job.Status, To: StatusFailed}
		}
		attempts := job.Attempts + 1
		message := failure.Message
		if message == "" {
			message = "engraving failed"
		}
		set := map[string]any{
			"attempts":         attempts,
			"error_message":    message,
			"last_heartbeat":   nil,
			"progress_message": message,
		}
		to := StatusFailed
		if !failure.Permanent && attempts < job.MaxAttempts {
			to = StatusPending
			set["next_attempt_at"] = nullableTime(&failure.RetryAt)
		} else {
			set["next_attempt_at"] = nil
			set["completed_at"] = now
		}
		return transitionPlan{to: to, set: set, attempt: attempts, message: message}, nil
	})
}

// RetryFailed moves failed jobs back to pending with a fresh attempt budget.
// With no ids every failed job is retried. Jobs that are not failed are skipped.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	var retried int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		retried = 0
		targets, err := failedJobIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range targets {
			if _, err := s.transitionTx(ctx, tx, id, retryPlan); err != nil {
				return err
			}
			retried++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	return retried, nil
}

func retryPlan(_ *Job, _ string) (transitionPlan, error) {
	return transitionPlan{
		to: StatusPending,
		set: map[string]any{
			"attempts":         0,
			"error_message":    nil,
			"next_attempt_at":  nil,
			"completed_at":     nil,
			"lines_sent":       0,
			"lines_total":      0,
			"progress_message": "Retry requested",
		},
		attempt: 0,
		message: "Retry requested",
	}, nil
}

func failedJobIDs(ctx context.Context, tx *sql.Tx, ids []int64) ([]int64, error) {
	stmt := builder().Select("id").From("engraving_jobs").Where(sq.Eq{"status": StatusFailed}).OrderBy("id")
	if len(ids) > 0 {
		stmt = stmt.Where(sq.Eq{"id": ids})
	}
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build failed query: %w", err)
	}
	return collectIDs(ctx, tx, query, args...)
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateProgress records streaming progress for an in-flight job.
func (s *Store) UpdateProgress(ctx context.Context, id int64, sent, total int, message string) error {
	query, args, err := builder().
		Update("engraving_jobs").
		Set("lines_sent", sent).
		Set("lines_total", total).
		Set("progress_message", nullableString(message)).
		Set("updated_at", formatTime(s.timestamp())).
		Where(sq.Eq{"id": id, "status": []string{string(StatusInProgress), string(StatusEngraving)}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build progress update: %w", err)
	}
	if _, err := s.execWithRetry(ctx, query, args...); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes the liveness timestamp of an in-flight job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := formatTime(s.timestamp())
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE engraving_jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		now,
		now,
		id,
		StatusInProgress,
		StatusEngraving,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ResetStuckProcessing returns every in-flight job to pending. It runs at
// startup, when no attempt can still be running.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	return s.requeueInFlight(ctx, "Reset after daemon restart", nil)
}

// ReclaimStaleProcessing returns in-flight jobs whose heartbeat is older
// than cutoff to pending.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.requeueInFlight(ctx, "Reclaimed after heartbeat expired", &cutoff)
}

func (s *Store) requeueInFlight(ctx context.Context, message string, cutoff *time.Time) (int64, error) {
	stmt := builder().
		Select("id").
		From("engraving_jobs").
		Where(sq.Eq{"status": []string{string(StatusInProgress), string(StatusEngraving)}}).
		OrderBy("id")
	if cutoff != nil {
		stmt = stmt.Where(sq.NotEq{"last_heartbeat": nil}).Where(sq.Lt{"last_heartbeat": formatTime(*cutoff)})
	}
	query, args, err := stmt.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build requeue query: %w", err)
	}

	var requeued int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		requeued = 0
		ids, err := collectIDs(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.transitionTx(ctx, tx, id, func(job *Job, _ string) (transitionPlan, error) {
				return transitionPlan{
					to: StatusPending,
					set: map[string]any{
						"last_heartbeat":   nil,
						"next_attempt_at":  nil,
						"progress_message": message,
					},
					attempt: job.CurrentAttempt(),
					message: message,
				}, nil
			}); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight jobs: %w", err)
	}
	return requeued, nil
}
