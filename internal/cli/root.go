package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"metalwatch/internal/app"
	"metalwatch/internal/config"
	"metalwatch/internal/logging"
	"metalwatch/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	pretty    bool
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "metalwatch",
	Short: "Acquire, persist and alert on precious metal spot prices",
	Version:      version.Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if pretty {
			cfg.Logging.PrettyPrint = true
		}

		logger := logging.NewLogger(cfg.Logging,
			logging.Field{Key: "app", Value: cfg.App.Name},
			logging.Field{Key: "env", Value: cfg.App.Environment},
		)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human readable console logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(pricesCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
