// Package cli implements the sandboxctl command-line client and the
// sandboxd serve subcommand, adapted near-verbatim from the teacher's
// internal/cli package.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	jsonLog bool
	apiKey  string
	apiURL  string
)

// RootCmd is the base command.
var RootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Multi-tenant sandboxed code execution engine",
	Long: `sandboxctl drives the sandbox execution engine: a control-plane server
that provisions per-language isolated environments and runs submitted code
through them, plus client subcommands for submitting executions from the
command line.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}

		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOXD_API_KEY"), "API key for authentication")
	RootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("SANDBOXD_API_URL", "http://localhost:8080"), "Base URL of the sandboxd server")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
