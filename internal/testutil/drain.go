package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/store"
)

// Handler runs one claimed job. engine.Engine.HandleJob satisfies it for
// the builtin kinds.
type Handler func(ctx context.Context, job *ir.Job) error

// drainWorker is the lease owner recorded on jobs claimed by Drain.
const drainWorker = "testutil-drain"

// maxDrained guards tests against jobs that keep re-enqueueing themselves.
const maxDrained = 10000

// Drain runs every job due at now() until the queue has nothing due,
// including jobs enqueued by the jobs it runs. Each job runs in a unit of
// work that also deletes it.
//
// Returns the number of jobs run. The first failing job stops the drain;
// its error is returned and the job stays queued unless it failed after
// commit.
func Drain(ctx context.Context, s *store.Store, now func() time.Time, handle Handler) (int, error) {
	ran := 0
	for ran < maxDrained {
		job, err := s.ClaimJob(ctx, store.ClaimOptions{
			WorkerID: drainWorker,
			Now:      now(),
			Lease:    time.Minute,
		})
		if err != nil {
			return ran, err
		}
		if job == nil {
			return ran, nil
		}

		ran++
		err = s.InTx(ctx, func(ctx context.Context) error {
			if err := handle(ctx, job); err != nil {
				return err
			}
			return s.DeleteJob(ctx, job.ID)
		})
		if err != nil {
			return ran, fmt.Errorf("%s job %d: %w", job.Kind, job.ID, err)
		}
	}
	return ran, fmt.Errorf("drain: more than %d jobs, a job keeps re-enqueueing", maxDrained)
}

// KindCounts returns how many queued jobs exist per kind.
func KindCounts(ctx context.Context, s *store.Store) (map[ir.JobKind]int, error) {
	jobs, err := s.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[ir.JobKind]int)
	for _, j := range jobs {
		counts[j.Kind]++
	}
	return counts, nil
}
