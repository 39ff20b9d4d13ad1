package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "lab-api",
	Short: "Hands-on lab session orchestration API",
	Long: `lab-api provisions isolated lab environments for trainees, enforces
their time limits and capacity, and proxies their web consoles.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("Command failed", "err", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	log.SetOutput(os.Stderr)
	log.SetTimeFormat("2006-01-02 15:04:05")
	log.SetReportTimestamp(true)

	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn("Invalid LOG_LEVEL, defaulting to info", "value", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
