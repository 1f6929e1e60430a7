package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/stepped/internal/ir"
	"github.com/roach88/stepped/internal/store"
)

// StatusReport is what the status command prints.
type StatusReport struct {
	Performances []*ir.Performance `json:"performances"`
	Actions      []*ir.Action      `json:"actions"`
	Jobs         []*ir.Job         `json:"jobs"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show performances, incomplete actions and queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer s.Close()

			report, err := loadStatus(cmd, s)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read status", err)
			}
			return opts.formatter(cmd).Print(report, report.writeText)
		},
	}
}

func loadStatus(cmd *cobra.Command, s *store.Store) (*StatusReport, error) {
	ctx := cmd.Context()
	perfs, err := s.ListPerformances(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := s.ListActions(ctx, store.ActionFilter{
		Statuses: []ir.ActionStatus{ir.ActionPending, ir.ActionPerforming},
	})
	if err != nil {
		return nil, err
	}
	jobs, err := s.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return nil, err
	}
	return &StatusReport{Performances: perfs, Actions: actions, Jobs: jobs}, nil
}

func (r *StatusReport) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "PERFORMANCES (%d)\n", len(r.Performances))
	if len(r.Performances) > 0 {
		fmt.Fprintln(tw, "ID\tCONCURRENCY KEY\tACTIVE ACTION\tOUTBOUND KEY")
		for _, p := range r.Performances {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", p.ID, p.ConcurrencyKey, p.ActionID, p.OutboundCompleteKey)
		}
	}

	fmt.Fprintf(tw, "\nINCOMPLETE ACTIONS (%d)\n", len(r.Actions))
	if len(r.Actions) > 0 {
		fmt.Fprintln(tw, "ID\tACTION\tSTATUS\tSTEP\tPERFORMANCE\tCHECKSUM")
		for _, a := range r.Actions {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
				a.ID, a.String(), a.Status, a.CurrentStepIndex+1, a.PerformanceID, a.ShortChecksum())
		}
	}

	fmt.Fprintf(tw, "\nJOBS (%d)\n", len(r.Jobs))
	if len(r.Jobs) > 0 {
		fmt.Fprintln(tw, "ID\tKIND\tATTEMPTS\tRUN AT\tLAST ERROR")
		for _, j := range r.Jobs {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n",
				j.ID, j.Kind, j.Attempts, j.RunAt.Format("2006-01-02T15:04:05Z"), j.LastError)
		}
	}

	return tw.Flush()
}
