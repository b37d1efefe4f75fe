package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan against persisted state and print alerts without broadcasting",
	Long: `Run one scan against persisted state and print alerts without broadcasting.

The scan takes the same lock as a running daemon's scheduled scans and fails
if another process holds it. The badger store cannot be opened while a daemon
has it open, so stop the daemon first or scan from its chat with /scan.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Scan(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last scan summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}
