package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Enqueue validates a request and inserts a pending job plus its first history row.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	req.ItemRef = strings.TrimSpace(req.ItemRef)
	req.ArtifactRef = strings.TrimSpace(req.ArtifactRef)
	if req.ItemRef == "" {
		return nil, invalidRequest("item reference is required")
	}
	if req.ArtifactRef == "" {
		return nil, invalidRequest("artifact reference is required")
	}
	if req.ArtifactKind == "" {
		kind, ok := InferArtifactKind(req.ArtifactRef)
		if !ok {
			return nil, invalidRequest("cannot infer artifact kind from %q; pass gcode or svg", req.ArtifactRef)
		}
		req.ArtifactKind = kind
	} else if kind, ok := ParseArtifactKind(string(req.ArtifactKind)); ok {
		req.ArtifactKind = kind
	} else {
		return nil, invalidRequest("unknown artifact kind %q", req.ArtifactKind)
	}
	if req.MaxAttempts < 0 {
		return nil, invalidRequest("max attempts must be positive")
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.defaultMaxAttempts
	}

	timestamp := formatTime(s.timestamp())
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO engraving_jobs (
                item_ref, artifact_ref, artifact_kind, priority, status,
                attempts, max_attempts, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			req.ItemRef,
			req.ArtifactRef,
			req.ArtifactKind,
			req.Priority,
			StatusPending,
			req.MaxAttempts,
			timestamp,
			timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return insertHistory(ctx, tx, id, "", StatusPending, 0, "Queued", timestamp)
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier. A missing job returns (nil, nil).
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	query, args, err := builder().Select(jobColumns...).From("engraving_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}
	job, err := scanJob(s.db.QueryRowContext(ensureContext(ctx), query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs ordered by creation, narrowed by the filter.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	stmt := builder().Select(jobColumns...).From("engraving_jobs").OrderBy("id")
	if len(filter.Statuses) > 0 {
		values := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			values = append(values, string(status))
		}
		stmt = stmt.Where(sq.Eq{"status": values})
	}
	if ref := strings.TrimSpace(filter.ItemRef); ref != "" {
		stmt = stmt.Where(sq.Eq{"item_ref": ref})
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(uint64(filter.Limit))
	}
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextReady returns the job the worker should run next: the highest priority,
// oldest pending job whose retry delay has elapsed.
func (s *Store) NextReady(ctx context.Context, now time.Time) (*Job, error) {
	query, args, err := builder().
		Select(jobColumns...).
		From("engraving_jobs").
		Where(sq.Eq{"status": StatusPending}).
		Where(sq.Or{sq.Eq{"next_attempt_at": nil}, sq.LtOrEq{"next_attempt_at": formatTime(now)}}).
		OrderBy("priority DESC", "created_at", "id").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build next query: %w", err)
	}
	job, err := scanJob(s.db.QueryRowContext(ensureContext(ctx), query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next ready job: %w", err)
	}
	return job, nil
}

// NextRetryAt returns the earliest scheduled retry among waiting jobs, or nil.
func (s *Store) NextRetryAt(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT MIN(next_attempt_at) FROM engraving_jobs WHERE status = ? AND next_attempt_at IS NOT NULL`,
		StatusPending,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("next retry time: %w", err)
	}
	return parseNullableTime(raw), nil
}

// Position reports where a job stands in the queue: a 1-based place among
// pending jobs, 0 while an attempt is in flight, or -1 once terminal.
func (s *Store) Position(ctx context.Context, id int64) (int, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	switch {
	case job.IsProcessing():
		return 0, nil
	case job.Status.IsTerminal():
		return -1, nil
	}

	created := formatTime(job.CreatedAt)
	query, args, err := builder().
		Select("COUNT(1)").
		From("engraving_jobs").
		Where(sq.Eq{"status": StatusPending}).
		Where(sq.Or{
			sq.Gt{"priority": job.Priority},
			sq.And{
				sq.Eq{"priority": job.Priority},
				sq.Or{
					sq.Lt{"created_at": created},
					sq.And{sq.Eq{"created_at": created}, sq.Lt{"id": job.ID}},
				},
			},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build position query: %w", err)
	}
	var ahead int
	if err := s.db.QueryRowContext(ensureContext(ctx), query, args...).Scan(&ahead); err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return ahead + 1, nil
}

// History returns the transitions recorded for a job, oldest first.
func (s *Store) History(ctx context.Context, jobID int64) ([]*HistoryEntry, error) {
	query, args, err := builder().
		Select(historyColumns...).
		From("engraving_history").
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, jobID int64, from, to Status, attempt int, message, timestamp string) error {
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO engraving_history (job_id, from_status, to_status, attempt, message, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		jobID,
		nullableString(string(from)),
		to,
		attempt,
		nullableString(message),
		timestamp,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}
