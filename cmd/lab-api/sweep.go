package main

import (
	"errors"

	"lab-sessions/internal/config"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single maintenance pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		setupLogging(cfg.LogLevel)

		a, err := buildApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		report := a.maintainer.Tick(cmd.Context())
		log.Info("Sweep finished",
			"expired", report.Expired,
			"failed", report.Failed,
			"reconciled", report.Reconciled,
			"active", report.Active)
		return errors.Join(report.Errors...)
	},
}
