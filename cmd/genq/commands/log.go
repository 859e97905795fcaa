package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// LogCmd shows the queue transition log
var LogCmd = &cobra.Command{
	Use:   "log",
	Short: sym.Queue + " Show the queue transition log",
	Long: sym.Queue + ` log - show job status transitions, newest first.

Examples:
  genq log                   # Last 50 transitions
  genq log --job <id>        # History of one job`,
	Args: cobra.NoArgs,
	RunE: runLog,
}

var (
	logJobID string
	logLimit int
	logJSON  bool
)

func init() {
	LogCmd.Flags().StringVar(&logJobID, "job", "", "Only transitions of this job")
	LogCmd.Flags().IntVar(&logLimit, "limit", 50, "Maximum entries to show")
	LogCmd.Flags().BoolVar(&logJSON, "json", false, "Print as JSON")
}

func runLog(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	entries, err := b.store.ListLog(ctx, queue.LogFilter{JobID: logJobID, Limit: logLimit})
	if err != nil {
		return err
	}
	if logJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		pterm.Info.Println("Queue log is empty")
		return nil
	}

	data := pterm.TableData{{"Time", "Job", "From", "To", "Reason", "Worker"}}
	for _, e := range entries {
		from := "-"
		if e.From != "" {
			from = string(e.From)
		}
		data = append(data, []string{
			formatTime(&e.At),
			shortJobID(e.JobID),
			from,
			statusCell(e.To),
			e.Reason,
			e.WorkerID,
		})
	}
	return renderTable(data)
}
