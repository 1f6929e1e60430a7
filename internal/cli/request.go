package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stepped/internal/engine"
	"github.com/roach88/stepped/internal/ir"
)

// NewRequestCommand creates the request command.
func NewRequestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "request <type> <id> <action> [args...]",
		Short: "Queue an action for a worker to perform",
		Long: `Queue a root action on an actor. Each argument is read as JSON and
falls back to a plain string, so 42, true and '{"type":"car","id":"2"}' keep
their types while Lisbon stays a string.

Example:
  stepped request car 1 drive 120
  stepped request car 1 visit Lisbon
  stepped request sleeper 1 live sleeper/2 sleeper/3`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ir.ActorRef{Type: args[0], ID: args[1]}
			req := engine.Request{Actor: ref, Name: args[2], Args: parseArgs(args[3:])}

			a, err := newApp(opts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.engine.EnqueueAction(cmd.Context(), req)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to queue action", err)
			}

			data := map[string]any{
				"job_id":    job.ID,
				"actor":     ref,
				"action":    req.Name,
				"arguments": req.Args,
			}
			return opts.formatter(cmd).Print(data, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Queued %s on %s (job %d)\n", req.Name, ref, job.ID)
				return err
			})
		},
	}
}

func parseArgs(raw []string) ir.Args {
	args := make(ir.Args, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args = append(args, v)
	}
	return args
}
