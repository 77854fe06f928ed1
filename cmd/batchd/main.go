// Batchd runs batches of language-model tasks across a shared pool of API
// credentials.
//
// Usage:
//
//	# Run a batch described by a manifest
//	batchd run tasks.yaml
//
//	# Continue a batch after a crash or Ctrl-C
//	batchd resume tasks.yaml
//
//	# Inspect a running batch
//	batchd status
//	batchd watch
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/batchd/internal/batch"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides ~/.config/batchd/config.yaml
	configPath string
	// serverURL is the base URL of a running batchd status API
	serverURL string
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitPartial = 2
	exitAborted = 3
)

// errPartial reports a batch that finished with failed tasks.
var errPartial = errors.New("batch finished with failed tasks")

func main() {
	os.Exit(exitCode(rootCmd.Execute()))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errPartial):
		return exitPartial
	case errors.Is(err, batch.ErrBatchAborted):
		return exitAborted
	default:
		return exitError
	}
}

var rootCmd = &cobra.Command{
	Use:   "batchd",
	Short: "Run LLM task batches over a shared credential pool",
	Long: `batchd runs batches of language-model tasks with bounded concurrency.
Tasks share a pool of API credentials; rate-limited credentials are
quarantined with exponential backoff and progress is checkpointed so an
interrupted batch can be resumed.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "batchd by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/batchd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9464", "batchd status API URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reinstateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}
