package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"windtunnel-telemetry/internal/app"
)

var (
	showLimit         int
	showSource        string
	showNotifications bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent records or notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:         showLimit,
			Source:        showSource,
			Notifications: showNotifications,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showSource, "source", "", "Only show records from this source")
	showCmd.Flags().BoolVar(&showNotifications, "notifications", false, "Show notifications instead of records")
}
