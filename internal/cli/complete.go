package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stepped/internal/ir"
)

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <type> <id> <action> [status]",
		Short: "Signal that an outbound action finished",
		Long: `Queue the external completion of an outbound action. The status
defaults to succeeded and must be terminal: succeeded, failed, cancelled,
timed_out, superseded or deadlocked.

Example:
  stepped complete car 1 drive
  stepped complete car 1 drive failed`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ir.ActorRef{Type: args[0], ID: args[1]}
			name := args[2]
			status := ir.ActionSucceeded
			if len(args) == 4 {
				parsed, err := ir.ParseActionStatus(args[3])
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid status", err)
				}
				if !parsed.Completed() {
					return NewExitError(ExitCommandError, fmt.Sprintf("status %q is not terminal", parsed))
				}
				status = parsed
			}

			a, err := newApp(opts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.engine.EnqueueCompletion(cmd.Context(), ref, name, status)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to queue completion", err)
			}

			data := map[string]any{
				"job_id": job.ID,
				"actor":  ref,
				"action": name,
				"status": status,
			}
			return opts.formatter(cmd).Print(data, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Queued completion of %s on %s as %s (job %d)\n", name, ref, status, job.ID)
				return err
			})
		},
	}
}
