package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

const latestJobByCNPJ = `
SELECT id, status, retry_count, created_at, updated_at
FROM cnpj_jobs WHERE cnpj=$1
ORDER BY created_at DESC LIMIT 1`

// Enqueue inserts a new queued row unless the newest row for the CNPJ is
// already pending or completed. The row lock keeps two concurrent submits of
// the same CNPJ from both inserting.
func (s *Store) Enqueue(ctx context.Context, cnpj string) (domain.EnqueueAck, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("cnpj", cnpj))

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=job.enqueue begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status domain.JobStatus
	err = tx.QueryRow(ctx, latestJobByCNPJ+` FOR UPDATE`, cnpj).Scan(new(string), &status, new(int), new(time.Time), new(time.Time))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// first sighting of this CNPJ
	case err != nil:
		return "", fmt.Errorf("op=job.enqueue select: %w", err)
	case status == domain.JobQueued || status == domain.JobProcessing:
		return domain.AckAlreadyPending, nil
	case status == domain.JobCompleted:
		return domain.AckAlreadyDone, nil
	}

	now := time.Now().UTC()
	q := `INSERT INTO cnpj_jobs (id, cnpj, status, error_message, retry_count, created_at, updated_at)
	VALUES ($1,$2,$3,'',0,$4,$4)`
	if _, err := tx.Exec(ctx, q, uuid.New().String(), cnpj, domain.JobQueued, now); err != nil {
		return "", fmt.Errorf("op=job.enqueue insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=job.enqueue commit: %w", err)
	}
	return domain.AckQueued, nil
}

// Claim flips the newest row for the CNPJ from queued to processing. The
// guard on the current status makes the claim idempotent across workers.
func (s *Store) Claim(ctx context.Context, cnpj string) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	j := domain.Job{CNPJ: cnpj}
	err = tx.QueryRow(ctx, latestJobByCNPJ+` FOR UPDATE`, cnpj).
		Scan(&j.ID, &j.Status, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim select: %w", err)
	}
	if j.Status != domain.JobQueued {
		return j, false, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE cnpj_jobs SET status=$2, updated_at=$3 WHERE id=$1`, j.ID, domain.JobProcessing, now); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=job.claim commit: %w", err)
	}
	j.Status = domain.JobProcessing
	j.UpdatedAt = now
	return j, true, nil
}

// LatestJob returns the newest row for the CNPJ.
func (s *Store) LatestJob(ctx context.Context, cnpj string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LatestJob")
	defer span.End()

	q := `SELECT id, cnpj, status, COALESCE(error_message,''), retry_count, created_at, updated_at
	FROM cnpj_jobs WHERE cnpj=$1 ORDER BY created_at DESC LIMIT 1`
	var j domain.Job
	err := s.Pool.QueryRow(ctx, q, cnpj).
		Scan(&j.ID, &j.CNPJ, &j.Status, &j.ErrorMessage, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("op=job.latest cnpj=%s: %w", cnpj, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.latest: %w", err)
	}
	return j, nil
}

// setLatestStatus updates the newest row for the CNPJ in one statement.
func (s *Store) setLatestStatus(ctx context.Context, cnpj string, status domain.JobStatus, message string, retryDelta int) error {
	q := `UPDATE cnpj_jobs SET status=$2, error_message=$3, retry_count=retry_count+$4, updated_at=$5
	WHERE id = (SELECT id FROM cnpj_jobs WHERE cnpj=$1 ORDER BY created_at DESC LIMIT 1)`
	tag, err := s.Pool.Exec(ctx, q, cnpj, status, message, retryDelta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.set_status status=%s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_status cnpj=%s: %w", cnpj, domain.ErrNotFound)
	}
	return nil
}

// MarkError marks the newest row as a permanent failure.
func (s *Store) MarkError(ctx context.Context, cnpj, message string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkError")
	defer span.End()
	return s.setLatestStatus(ctx, cnpj, domain.JobError, message, 0)
}

// MarkRateLimited marks the newest row as exhausted by provider overload.
func (s *Store) MarkRateLimited(ctx context.Context, cnpj, message string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRateLimited")
	defer span.End()
	return s.setLatestStatus(ctx, cnpj, domain.JobRateLimited, message, 0)
}

// Requeue flips the newest row back to queued, bumping retry_count by delta.
func (s *Store) Requeue(ctx context.Context, cnpj string, retryDelta int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	return s.setLatestStatus(ctx, cnpj, domain.JobQueued, "", retryDelta)
}

// FindStuck rescues processing rows whose updated_at is older than threshold.
// SKIP LOCKED keeps the reaper from racing an in-flight claim.
func (s *Store) FindStuck(ctx context.Context, threshold time.Duration) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindStuck")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=job.find_stuck begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := tx.Query(ctx, `SELECT id, cnpj FROM cnpj_jobs WHERE status=$1 AND updated_at < $2 FOR UPDATE SKIP LOCKED`,
		domain.JobProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.find_stuck select: %w", err)
	}
	var ids, cnpjs []string
	for rows.Next() {
		var id, cnpj string
		if err := rows.Scan(&id, &cnpj); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=job.find_stuck scan: %w", err)
		}
		ids = append(ids, id)
		cnpjs = append(cnpjs, cnpj)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.find_stuck rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE cnpj_jobs SET status=$1, updated_at=$2 WHERE id = ANY($3)`,
		domain.JobQueued, time.Now().UTC(), ids); err != nil {
		return nil, fmt.Errorf("op=job.find_stuck update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=job.find_stuck commit: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.rescued", len(cnpjs)))
	return cnpjs, nil
}

// LoadPending returns the oldest queued CNPJs, up to limit (<=0 means all).
func (s *Store) LoadPending(ctx context.Context, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LoadPending")
	defer span.End()

	q := `SELECT cnpj FROM cnpj_jobs WHERE status=$1 ORDER BY created_at ASC`
	args := []any{domain.JobQueued}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.load_pending: %w", err)
	}
	defer rows.Close()
	var cnpjs []string
	for rows.Next() {
		var cnpj string
		if err := rows.Scan(&cnpj); err != nil {
			return nil, fmt.Errorf("op=job.load_pending scan: %w", err)
		}
		cnpjs = append(cnpjs, cnpj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.load_pending rows: %w", err)
	}
	return cnpjs, nil
}

// ResetFailed flips error and rate_limited rows back to queued.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResetFailed")
	defer span.End()

	tag, err := s.Pool.Exec(ctx,
		`UPDATE cnpj_jobs SET status=$1, error_message='', updated_at=$2 WHERE status = ANY($3)`,
		domain.JobQueued, time.Now().UTC(), []string{string(domain.JobError), string(domain.JobRateLimited)})
	if err != nil {
		return 0, fmt.Errorf("op=job.reset_failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus aggregates durable job counts in one query.
func (s *Store) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `SELECT status, count(*) FROM cnpj_jobs GROUP BY status`)
	if err != nil {
		return domain.StatusCounts{}, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()
	var c domain.StatusCounts
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, fmt.Errorf("op=job.count_by_status scan: %w", err)
		}
		c.Total += n
		switch status {
		case domain.JobQueued:
			c.Queued = n
		case domain.JobProcessing:
			c.Processing = n
		case domain.JobCompleted:
			c.Completed = n
		case domain.JobError:
			c.Error = n
		case domain.JobRateLimited:
			c.RateLimited = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.StatusCounts{}, fmt.Errorf("op=job.count_by_status rows: %w", err)
	}
	return c, nil
}

// RecentJobs lists the most recently touched jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecentJobs")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, cnpj, status, COALESCE(error_message,''), retry_count, created_at, updated_at
	FROM cnpj_jobs ORDER BY updated_at DESC LIMIT $1`
	rows, err := s.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.recent: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.CNPJ, &j.Status, &j.ErrorMessage, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=job.recent scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.recent rows: %w", err)
	}
	return jobs, nil
}

// DedupeDuplicates keeps the newest row per CNPJ in both tables.
func (s *Store) DedupeDuplicates(ctx context.Context) (int64, int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DedupeDuplicates")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("op=job.dedupe begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	jobsTag, err := tx.Exec(ctx, `DELETE FROM cnpj_jobs a USING cnpj_jobs b
	WHERE a.cnpj = b.cnpj AND (a.created_at < b.created_at OR (a.created_at = b.created_at AND a.id < b.id))`)
	if err != nil {
		return 0, 0, fmt.Errorf("op=job.dedupe jobs: %w", err)
	}
	compTag, err := tx.Exec(ctx, `DELETE FROM cnpj_companies a USING cnpj_companies b
	WHERE a.cnpj = b.cnpj AND (a.updated_at < b.updated_at OR (a.updated_at = b.updated_at AND a.ctid < b.ctid))`)
	if err != nil {
		return 0, 0, fmt.Errorf("op=job.dedupe companies: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("op=job.dedupe commit: %w", err)
	}
	return jobsTag.RowsAffected(), compTag.RowsAffected(), nil
}
