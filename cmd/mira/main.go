package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mira/mira-back/internal/config"
	"github.com/mira/mira-back/internal/logger"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "mira",
	Short:         "Mira note enhancement backend",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.LoadDotEnv(".env.local", ".env"); err != nil {
			fmt.Fprintf(os.Stderr, "failed loading .env files: %v\n", err)
		}
		cfg := config.Load()
		logger.Setup(logger.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, statsCmd, failedCmd, enqueueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
