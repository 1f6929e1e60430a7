package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/stepped/internal/worker"
)

// WorkOptions holds flags for the work command.
type WorkOptions struct {
	*RootOptions
	Once        bool
	MetricsAddr string
	Concurrency int
}

// NewWorkCommand creates the work command.
func NewWorkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run queued jobs",
		Long: `Claim and run queued jobs with the sample actors registered.

Runs until interrupted. With --once it runs every job that is due, including
jobs those jobs queue, and exits.

Example:
  stepped work --db ./stepped.db
  stepped work --once
  stepped work --metrics-addr :9090 --concurrency 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "drain due jobs and exit")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "concurrent pollers (overrides config)")

	return cmd
}

func newWorker(opts *WorkOptions, a *app) *worker.Worker {
	wc := opts.Config.Worker
	concurrency := wc.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	return worker.New(a.engine,
		worker.WithConcurrency(concurrency),
		worker.WithPollInterval(wc.PollInterval.Std()),
		worker.WithLease(wc.LockTimeout.Std()),
		worker.WithMaxAttempts(wc.MaxAttempts),
		worker.WithBackoff(wc.Backoff.Initial.Std(), wc.Backoff.Max.Std()),
		worker.WithClaimRate(wc.ClaimRate, wc.ClaimBurst),
		worker.WithLogger(a.logger),
		worker.WithRecorder(a.metrics),
	)
}

func runWork(opts *WorkOptions, cmd *cobra.Command) error {
	a, err := newApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	w := newWorker(opts, a)
	out := opts.formatter(cmd)

	if opts.Once {
		n, err := w.Drain(cmd.Context())
		if err != nil {
			return WrapExitError(ExitFailure, "drain failed", err)
		}
		return out.Print(map[string]int{"jobs": n}, func(wr io.Writer) error {
			_, err := fmt.Fprintf(wr, "Ran %d jobs\n", n)
			return err
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := opts.Config.Metrics.Addr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})
	if addr != "" {
		srv := metricsServer(addr, a)
		g.Go(func() error {
			a.logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	out.VerboseLog("worker %s started", w.ID())
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "worker error", err)
	}
	return nil
}

func metricsServer(addr string, a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
