package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// JobsCmd groups job inspection and operator actions
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Queue + " List, inspect and fail jobs",
	Long: sym.Queue + ` jobs - inspect the job store.

Examples:
  genq jobs ls                       # Most recent jobs
  genq jobs ls --status pending      # Backlog only
  genq jobs show <id>                # One job as JSON
  genq jobs fail <id> --reason "bad prompt"`,
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs",
	RunE:    runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsFailCmd = &cobra.Command{
	Use:     "fail <id>",
	Aliases: []string{"cancel"},
	Short:   "Mark a job failed",
	Long: `Mark a pending, blocked or active job failed.

Failing the active job frees the execution slot through the normal release
path: its dependents return to pending and the worker that was running it
stops heartbeating when it next loses the lease.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsFail,
}

var (
	jobsStatus string
	jobsType   string
	jobsLimit  int
	jobsJSON   bool
	failReason string
)

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (pending, blocked, active, completed, failed)")
	jobsListCmd.Flags().StringVar(&jobsType, "type", "", "Filter by job type")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum jobs to show")
	jobsListCmd.Flags().BoolVar(&jobsJSON, "json", false, "Print as JSON")
	jobsFailCmd.Flags().StringVar(&failReason, "reason", queue.ReasonCancelled, "Failure reason recorded on the job")

	JobsCmd.AddCommand(jobsListCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsFailCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	status := queue.Status(jobsStatus)
	if status != "" && !status.Valid() {
		return errors.NewInvalidRequestError("unknown status %q", jobsStatus)
	}

	ctx := context.Background()
	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	jobs, err := b.store.ListJobs(ctx, queue.JobFilter{Status: status, Type: jobsType, Limit: jobsLimit})
	if err != nil {
		return err
	}
	if jobsJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	now := time.Now()
	data := pterm.TableData{{"ID", "P", "Type", "Status", "Models", "Blocked by", "Created", "Error"}}
	for _, j := range jobs {
		blocked := "-"
		if j.BlockedBy != "" {
			blocked = shortJobID(j.BlockedBy)
		}
		data = append(data, []string{
			shortJobID(j.ID),
			fmt.Sprintf("%d", j.Priority),
			j.Type,
			statusCell(j.Status),
			modelsCell(j.RequestedModels),
			blocked,
			formatAge(j.CreatedAt, now),
			j.Error,
		})
	}
	return renderTable(data)
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	job, err := b.store.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runJobsFail(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := b.store.FailJob(ctx, args[0], failReason, time.Now().UTC())
	if err != nil {
		return err
	}

	pterm.Success.Printfln("%s Job %s marked failed: %s", sym.StatusGlyph["failed"], res.JobID, failReason)
	if res.SlotFreed {
		pterm.Info.Printfln("%s Execution slot released", sym.Slot)
	}
	if len(res.Unblocked) > 0 {
		pterm.Info.Printfln("Unblocked %d job(s)", len(res.Unblocked))
	}
	return nil
}
