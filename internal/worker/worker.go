package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/stepped/internal/engine"
	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/store"
)

// HandlerFunc runs one claimed job inside the unit of work that deletes it.
type HandlerFunc func(ctx context.Context, job *ir.Job) error

// ActionFunc does the work of a job-backed action and returns the status
// the action completes with.
type ActionFunc func(ctx context.Context, action *ir.Action) (ir.ActionStatus, error)

// Job outcomes reported to the Recorder.
const (
	OutcomeOK        = "ok"
	OutcomeRetry     = "retry"
	OutcomeParked    = "parked"
	OutcomeHookError = "hook_error"
)

// Recorder receives per-job outcomes (metrics).
type Recorder interface {
	JobProcessed(kind ir.JobKind, outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) JobProcessed(ir.JobKind, string, time.Duration) {}

// ErrNoHandler is recorded on jobs whose kind nobody handles.
var ErrNoHandler = errors.New("no handler for job kind")

// Worker claims jobs from the store and runs them.
//
// Builtin kinds go to the engine; application kinds go to handlers
// registered with Handle or HandleAction. Each job runs in the same unit of
// work as its deletion, so a job's effects and its removal commit together.
// A failed job is rescheduled with capped exponential backoff until it has
// used MaxAttempts, after which it stays parked in the table for an
// operator to inspect.
type Worker struct {
	engine *engine.Engine
	store  *store.Store

	id           string
	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger
	clock        engine.Clock
	recorder     Recorder

	mu       sync.RWMutex
	handlers map[ir.JobKind]HandlerFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithID sets the lease owner recorded on claimed jobs.
func WithID(id string) Option {
	return func(w *Worker) {
		w.id = id
	}
}

// WithConcurrency sets the number of jobs run at once. Values below 1
// mean 1.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		w.concurrency = max(n, 1)
	}
}

// WithPollInterval sets how long an idle poller waits before claiming
// again when no commit signal arrives.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// WithLease sets how long a claimed job stays invisible to other workers.
func WithLease(d time.Duration) Option {
	return func(w *Worker) {
		w.lease = d
	}
}

// WithMaxAttempts sets how many failed runs park a job. Zero retries
// forever.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		w.maxAttempts = n
	}
}

// WithBackoff sets the first retry delay and its cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(w *Worker) {
		w.backoffBase = base
		w.backoffMax = maxDelay
	}
}

// WithClaimRate limits claims per second across all pollers. A
// non-positive rate removes the limit.
func WithClaimRate(perSecond float64, burst int) Option {
	return func(w *Worker) {
		if perSecond <= 0 {
			w.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithClock sets the time source for claims and retry schedules.
func WithClock(c engine.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

// WithRecorder receives job outcomes.
func WithRecorder(r Recorder) Option {
	return func(w *Worker) {
		w.recorder = r
	}
}

// DefaultID returns WORKER_ID from the environment, else the hostname
// with a random suffix.
func DefaultID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// New creates a worker for e's store.
func New(e *engine.Engine, opts ...Option) *Worker {
	w := &Worker{
		engine:       e,
		store:        e.Store(),
		id:           DefaultID(),
		concurrency:  1,
		pollInterval: time.Second,
		lease:        5 * time.Minute,
		maxAttempts:  25,
		backoffBase:  time.Second,
		backoffMax:   time.Hour,
		limiter:      rate.NewLimiter(rate.Inf, 0),
		logger:       slog.Default(),
		clock:        engine.SystemClock,
		recorder:     nopRecorder{},
		handlers:     make(map[ir.JobKind]HandlerFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("worker", w.id)
	return w
}

// ID returns the lease owner name.
func (w *Worker) ID() string {
	return w.id
}

// Handle registers fn for an application job kind. Builtin kinds are
// reserved.
func (w *Worker) Handle(kind ir.JobKind, fn HandlerFunc) error {
	if engine.IsBuiltin(kind) {
		return fmt.Errorf("handle %q: builtin job kind", kind)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = fn
	return nil
}

// HandleAction registers fn for a job-backed action kind. The action the
// job carries is loaded, fn runs, and the action is completed with the
// status fn returns. An empty status leaves the action performing so that
// something else can complete it.
func (w *Worker) HandleAction(kind ir.JobKind, fn ActionFunc) error {
	return w.Handle(kind, func(ctx context.Context, job *ir.Job) error {
		var p ir.CustomJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		a, err := w.store.ReadAction(ctx, p.ActionID)
		if err != nil {
			return err
		}
		status, err := fn(ctx, a)
		if err != nil {
			return err
		}
		if status == "" {
			return nil
		}
		return w.engine.CompleteAction(ctx, a.ID, status)
	})
}

func (w *Worker) handler(kind ir.JobKind) HandlerFunc {
	if engine.IsBuiltin(kind) {
		return w.engine.HandleJob
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[kind]
}

func (w *Worker) now() time.Time {
	return w.clock.Now().UTC()
}

// RunOnce claims and runs a single due job. Reports false when nothing was
// due. A job that fails is rescheduled, not returned as an error; errors
// are reserved for the store itself.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimJob(ctx, store.ClaimOptions{
		WorkerID:    w.id,
		Now:         w.now(),
		Lease:       w.lease,
		MaxAttempts: w.maxAttempts,
	})
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *ir.Job) error {
	start := time.Now()
	log := w.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts+1)

	err := w.store.InTx(ctx, func(ctx context.Context) error {
		fn := w.handler(job.Kind)
		if fn == nil {
			return fmt.Errorf("%w %q", ErrNoHandler, job.Kind)
		}
		if err := fn(ctx, job); err != nil {
			return err
		}
		return w.store.DeleteJob(ctx, job.ID)
	})

	switch {
	case err == nil:
		log.Debug("job done")
		w.recorder.JobProcessed(job.Kind, OutcomeOK, time.Since(start))
		return nil

	case store.IsHookError(err):
		// Committed and the job row is gone. The follow-up job written
		// alongside the failed work retries it.
		log.Error("job after-commit hook failed", "error", err)
		w.recorder.JobProcessed(job.Kind, OutcomeHookError, time.Since(start))
		return nil
	}

	attempts := job.Attempts + 1
	outcome := OutcomeRetry
	runAt := w.now().Add(w.backoff(attempts))
	if w.maxAttempts > 0 && attempts >= w.maxAttempts {
		outcome = OutcomeParked
		runAt = w.now()
		log.Error("job parked after final attempt", "error", err)
	} else {
		log.Warn("job failed, retrying", "error", err, "run_at", runAt)
	}

	if rerr := w.store.RescheduleJob(ctx, job.ID, runAt, err.Error()); rerr != nil {
		return fmt.Errorf("%s job %d: %w", job.Kind, job.ID, rerr)
	}
	w.recorder.JobProcessed(job.Kind, outcome, time.Since(start))
	return nil
}

// backoff returns the delay before retry number attempt: base doubled per
// attempt, capped by backoffMax, with up to 25% random jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.backoffBase
	for i := 1; i < attempt && d < w.backoffMax; i++ {
		d *= 2
	}
	d = min(d, w.backoffMax)
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d - jitter
}

// Drain runs due jobs until none is left and returns how many ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// Run polls for jobs with the configured concurrency until ctx is done.
// Pollers wake on the store's commit signal or the poll interval,
// whichever comes first.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"concurrency", w.concurrency,
		"poll_interval", w.pollInterval,
		"lease", w.lease,
		"max_attempts", w.maxAttempts,
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.poll(ctx)
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim failed", "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.store.JobsAvailable():
		case <-ticker.C:
		}
	}
}
