package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Open the configured database and apply the stepped schema.

Safe to run repeatedly; an up-to-date database is left untouched.

Example:
  stepped migrate --db ./stepped.db
  stepped migrate --config stepped.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer s.Close()

			db := opts.Config.Database
			data := map[string]string{"driver": db.Driver, "dsn": db.DSN}
			return opts.formatter(cmd).Print(data, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Schema ready (%s %s)\n", db.Driver, db.DSN)
				return err
			})
		},
	}
}
