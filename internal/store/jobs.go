package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/stepped/internal/ir"
)

// EnqueueJob adds a job to the outbox. Inside a unit of work the job only
// becomes visible to workers when it commits; JobsAvailable is signalled
// after that commit.
func (s *Store) EnqueueJob(ctx context.Context, j *ir.Job) error {
	now := s.Now()
	runAt := j.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	err := s.queryRow(ctx, `
		INSERT INTO jobs (kind, payload, run_at, attempts, created_at)
		VALUES (?, ?, ?, 0, ?)
		RETURNING id
	`, string(j.Kind), string(j.Payload), runAt.UTC(), now).Scan(&j.ID)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", j.Kind, err)
	}
	j.RunAt = runAt.UTC()
	j.CreatedAt = now

	return s.AfterCommit(ctx, func(context.Context) error {
		s.notifyJobs()
		return nil
	})
}

// ClaimOptions controls ClaimJob.
type ClaimOptions struct {
	WorkerID    string
	Now         time.Time
	Lease       time.Duration
	MaxAttempts int
	Kinds       []ir.JobKind
}

// ClaimJob leases the oldest due job to opts.WorkerID. A job is due when
// run_at <= Now, its lease (if any) has expired and it has not exhausted
// MaxAttempts. Returns nil when nothing is due.
func (s *Store) ClaimJob(ctx context.Context, opts ClaimOptions) (*ir.Job, error) {
	now := opts.Now.UTC()
	var claimed *ir.Job

	err := s.InTx(ctx, func(ctx context.Context) error {
		q := `SELECT ` + jobColumns + ` FROM jobs
			WHERE run_at <= ? AND (locked_until IS NULL OR locked_until <= ?)`
		args := []any{now, now}
		if opts.MaxAttempts > 0 {
			q += ` AND attempts < ?`
			args = append(args, opts.MaxAttempts)
		}
		if len(opts.Kinds) > 0 {
			q += ` AND kind IN (`
			for i, k := range opts.Kinds {
				if i > 0 {
					q += `, `
				}
				q += `?`
				args = append(args, string(k))
			}
			q += `)`
		}
		q += ` ORDER BY run_at ASC, id ASC LIMIT 1`

		j, err := scanJob(s.queryRow(ctx, s.dialect.skipLocked(q), args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select due job: %w", err)
		}

		until := now.Add(opts.Lease)
		if _, err := s.exec(ctx, `UPDATE jobs SET locked_by = ?, locked_until = ? WHERE id = ?`,
			opts.WorkerID, until, j.ID); err != nil {
			return fmt.Errorf("lease job %d: %w", j.ID, err)
		}
		j.LockedBy = opts.WorkerID
		j.LockedUntil = &until
		claimed = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// DeleteJob removes a finished job. Run it in the same unit of work as the
// job's effects.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

// TakeJob deletes job id and reports whether this call removed it. Two
// units of work racing for the same job see true exactly once.
func (s *Store) TakeJob(ctx context.Context, id int64) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("take job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("take job %d: %w", id, err)
	}
	return n == 1, nil
}

// RescheduleJob records a failed attempt and releases the lease.
func (s *Store) RescheduleJob(ctx context.Context, id int64, runAt time.Time, lastErr string) error {
	_, err := s.exec(ctx, `
		UPDATE jobs SET attempts = attempts + 1, run_at = ?, last_error = ?, locked_by = NULL, locked_until = NULL
		WHERE id = ?
	`, runAt.UTC(), nullString(lastErr), id)
	if err != nil {
		return fmt.Errorf("reschedule job %d: %w", id, err)
	}
	return nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Kinds []ir.JobKind
	// DueBy, when set, keeps only jobs with run_at <= DueBy.
	DueBy *time.Time
}

// ListJobs returns jobs matching f ordered by run_at, id.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*ir.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	if f.DueBy != nil {
		q += ` AND run_at <= ?`
		args = append(args, f.DueBy.UTC())
	}
	if len(f.Kinds) > 0 {
		q += ` AND kind IN (`
		for i, k := range f.Kinds {
			if i > 0 {
				q += `, `
			}
			q += `?`
			args = append(args, string(k))
		}
		q += `)`
	}
	q += ` ORDER BY run_at ASC, id ASC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*ir.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// CountJobs returns the number of queued jobs.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	return s.count(ctx, "jobs")
}

// JobsAvailable returns a channel that signals when jobs may have been
// committed. The buffer of 1 coalesces signals, so receivers must poll
// until ClaimJob returns nil.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-s.JobsAvailable():
//	    // ClaimJob until empty
//	case <-ticker.C:
//	}
func (s *Store) JobsAvailable() <-chan struct{} {
	return s.signal
}

func (s *Store) notifyJobs() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
