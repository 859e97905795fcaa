package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// StatusCmd shows the execution slot, flags and job counts
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: sym.Slot + " Show the execution slot, flags and job counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	StatusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print as JSON")
}

// statusReport is the JSON form of genq status.
type statusReport struct {
	Slot         queue.QueueState     `json:"slot"`
	Stale        bool                 `json:"stale"`
	PriorityLock queue.FlagState      `json:"priority_lock"`
	Maintenance  queue.FlagState      `json:"maintenance_mode"`
	Counts       map[queue.Status]int `json:"counts"`
}

func collectStatus(ctx context.Context, store queue.Store, staleness time.Duration, now time.Time) (*statusReport, error) {
	state, err := store.State(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := store.Flag(ctx, queue.FlagPriorityLock)
	if err != nil {
		return nil, err
	}
	maint, err := store.Flag(ctx, queue.FlagMaintenance)
	if err != nil {
		return nil, err
	}
	counts, err := store.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	return &statusReport{
		Slot:         state,
		Stale:        state.Stale(now, staleness),
		PriorityLock: lock,
		Maintenance:  maint,
		Counts:       counts,
	}, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	now := time.Now()
	report, err := collectStatus(ctx, b.store, b.cfg.Coordinator.StalenessThreshold, now)
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(report)
	}

	pterm.DefaultSection.Printfln("%s Execution slot", sym.Slot)
	if report.Slot.Free() {
		pterm.Println("  free")
	} else {
		heartbeat := formatAge(report.Slot.LastUpdated, now)
		if report.Stale {
			heartbeat = pterm.Red(heartbeat + " (stale)")
		}
		pterm.Printfln("  Job:        %s (%s)", report.Slot.ActiveJobID, report.Slot.ActiveJobType)
		pterm.Printfln("  Models:     %s", modelsCell(report.Slot.ActiveModels))
		pterm.Printfln("  Holder:     %s", report.Slot.Holder)
		pterm.Printfln("  Started:    %s", formatTime(report.Slot.StartedAt))
		pterm.Printfln("  Heartbeat:  %s", heartbeat)
	}

	pterm.DefaultSection.Println("Flags")
	pterm.Printfln("  %s Priority lock:    %s", sym.Lock, report.PriorityLock.Mode())
	pterm.Printfln("  %s Maintenance mode: %s", sym.Maint, report.Maintenance.Mode())

	pterm.DefaultSection.Printfln("%s Jobs", sym.Queue)
	data := pterm.TableData{{"Status", "Count"}}
	for _, s := range queue.Statuses {
		data = append(data, []string{statusCell(s), fmt.Sprintf("%d", report.Counts[s])})
	}
	return renderTable(data)
}
