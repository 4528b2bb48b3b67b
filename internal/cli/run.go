package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the periodic price refresh service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run a single refresh cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Update(cmd.Context())
	},
}
