package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"windtunnel-telemetry/internal/app"
)

var (
	rescoreFrom   string
	rescoreTo     string
	rescoreDryRun bool
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Re-screen stored records with the current rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rescoreFrom == "" || rescoreTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseTimeFlag("from", rescoreFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", rescoreTo)
		if err != nil {
			return err
		}
		if !from.Before(*to) {
			return fmt.Errorf("--from must be before --to")
		}

		opts := app.RescoreOptions{
			From:   *from,
			To:     *to,
			DryRun: rescoreDryRun,
		}

		return getApp().Rescore(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	rescoreCmd.Flags().StringVar(&rescoreFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	rescoreCmd.Flags().StringVar(&rescoreTo, "to", "", "End timestamp (RFC3339, exclusive)")
	rescoreCmd.Flags().BoolVar(&rescoreDryRun, "dry-run", false, "Report changes without writing to storage")
}
