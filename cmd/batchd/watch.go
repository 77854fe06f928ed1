package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/batchd/internal/monitor"
)

var watchInterval time.Duration

// watchCmd launches the live dashboard
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard for a running batch",
	Long: `Launch a terminal dashboard that polls the status API of a running
"batchd run --serve": task progress, throughput, worker slots and the
credential pool.

Key bindings:
  r          Refresh now
  q/Ctrl+C   Quit`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", watchInterval)
	}
	p := tea.NewProgram(monitor.NewModel(serverURL, watchInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running watch: %v\n", err)
		return err
	}
	return nil
}
