package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/stepped/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, kind ir.JobKind, payload any, runAt time.Time) *ir.Job {
	t.Helper()
	j, err := ir.NewJob(kind, payload, runAt)
	require.NoError(t, err)
	return &j
}

func TestEnqueueJob_SignalsAfterCommit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := createFixedStore(t, &now)
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.EnqueueJob(ctx, newTestJob(t, ir.JobTimeout, ir.TimeoutJob{ActionID: 1}, time.Time{})))
		select {
		case <-s.JobsAvailable():
			t.Error("signalled before commit")
		default:
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case <-s.JobsAvailable():
	default:
		t.Error("expected a signal after commit")
	}

	jobs, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, now.Equal(jobs[0].RunAt), "zero run_at defaults to now")
	var payload ir.TimeoutJob
	require.NoError(t, jobs[0].Decode(&payload))
	assert.Equal(t, int64(1), payload.ActionID)
}

func TestClaimJob_LeasesDueJobsInOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := createFixedStore(t, &now)
	ctx := context.Background()

	later := newTestJob(t, ir.JobTimeout, ir.TimeoutJob{ActionID: 2}, now.Add(time.Minute))
	first := newTestJob(t, ir.JobWait, ir.WaitJob{StepID: 1}, now)
	second := newTestJob(t, ir.JobWait, ir.WaitJob{StepID: 2}, now)
	for _, j := range []*ir.Job{later, first, second} {
		require.NoError(t, s.EnqueueJob(ctx, j))
	}

	opts := ClaimOptions{WorkerID: "w1", Now: now, Lease: 30 * time.Second}
	got, err := s.ClaimJob(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "w1", got.LockedBy)
	require.NotNil(t, got.LockedUntil)

	got, err = s.ClaimJob(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	got, err = s.ClaimJob(ctx, opts)
	require.NoError(t, err)
	assert.Nil(t, got, "leased and future jobs are not claimable")

	// Lease expiry makes the first job claimable again, as does run_at.
	opts.Now = now.Add(time.Minute)
	got, err = s.ClaimJob(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
}

func TestClaimJob_KindsAndAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := createFixedStore(t, &now)
	ctx := context.Background()

	wait := newTestJob(t, ir.JobWait, ir.WaitJob{StepID: 1}, now)
	timeout := newTestJob(t, ir.JobTimeout, ir.TimeoutJob{ActionID: 1}, now)
	require.NoError(t, s.EnqueueJob(ctx, wait))
	require.NoError(t, s.EnqueueJob(ctx, timeout))

	got, err := s.ClaimJob(ctx, ClaimOptions{WorkerID: "w", Now: now, Lease: time.Second, Kinds: []ir.JobKind{ir.JobTimeout}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, timeout.ID, got.ID)

	require.NoError(t, s.RescheduleJob(ctx, wait.ID, now, "first failure"))
	require.NoError(t, s.RescheduleJob(ctx, wait.ID, now, "second failure"))

	got, err = s.ClaimJob(ctx, ClaimOptions{WorkerID: "w", Now: now, Lease: time.Second, MaxAttempts: 2, Kinds: []ir.JobKind{ir.JobWait}})
	require.NoError(t, err)
	assert.Nil(t, got, "jobs at max attempts are parked")

	jobs, err := s.ListJobs(ctx, JobFilter{Kinds: []ir.JobKind{ir.JobWait}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, "second failure", jobs[0].LastError)
	assert.Empty(t, jobs[0].LockedBy)
}

func TestDeleteJob(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, ir.JobAction, ir.ActionJob{Actor: ir.ActorRef{Type: "Car", ID: "1"}, Name: "drive"}, time.Time{})
	require.NoError(t, s.EnqueueJob(ctx, j))
	require.NoError(t, s.DeleteJob(ctx, j.ID))

	n, err := s.CountJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTakeJob_OnlyFirstCallerWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, ir.JobConcludeStep, ir.ConcludeStepJob{StepID: 3, Succeeded: true}, time.Time{})
	require.NoError(t, s.EnqueueJob(ctx, j))

	var first bool
	require.NoError(t, s.InTx(ctx, func(ctx context.Context) error {
		var err error
		first, err = s.TakeJob(ctx, j.ID)
		return err
	}))
	assert.True(t, first)

	again, err := s.TakeJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, again)

	n, err := s.CountJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTakeJob_RolledBackTakeKeepsJob(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, ir.JobPerformStep, ir.PerformStepJob{ActionID: 1}, time.Time{})
	require.NoError(t, s.EnqueueJob(ctx, j))

	err := s.InTx(ctx, func(ctx context.Context) error {
		taken, err := s.TakeJob(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, taken)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	n, err := s.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListJobs_DueBy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := createFixedStore(t, &now)
	ctx := context.Background()

	require.NoError(t, s.EnqueueJob(ctx, newTestJob(t, ir.JobTimeout, ir.TimeoutJob{ActionID: 1}, now)))
	require.NoError(t, s.EnqueueJob(ctx, newTestJob(t, ir.JobTimeout, ir.TimeoutJob{ActionID: 2}, now.Add(time.Hour))))

	jobs, err := s.ListJobs(ctx, JobFilter{DueBy: &now})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
