package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/genq/am"
	"github.com/teranos/genq/cmd/genq/commands"
	"github.com/teranos/genq/logger"
)

var rootCmd = &cobra.Command{
	Use:   "genq",
	Short: "genq - single-slot job queue coordinator",
	Long: `genq - job queue coordinator for a media-generation service.

Every worker runs the same admission loop. Exactly one job holds the
execution slot at a time; workers wake on the change feed, reclaim stale
slots, and claim the next eligible job with an atomic conditional update.

Available commands:
  worker      - Run the coordinator (and the HTTP admin API)
  server      - Serve the HTTP admin API without running jobs
  submit      - Queue a job
  jobs        - List, inspect and fail jobs
  status      - Show the execution slot, flags and job counts
  log         - Show the queue transition log
  lock        - Manage the priority lock
  maintenance - Manage maintenance mode
  relay       - Forward the database change feed to Redis
  am          - Manage genq configuration
  version     - Show build information

Examples:
  genq worker -v                       # Run a worker with info logging
  genq submit --type sleep --models sdxl --payload '{"duration":"2s"}'
  genq lock enable                     # Admit only P1 jobs
  genq status                          # Show who holds the slot`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath != "" {
			am.SetConfigFile(configPath)
		}

		jsonLog, _ := cmd.Flags().GetBool("json-log")
		if !jsonLog {
			// A broken config file is reported by the command itself
			if cfg, err := am.Load(); err == nil {
				jsonLog = cfg.Log.JSON
			}
		}

		if err := logger.Initialize(jsonLog); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetLevel(logger.VerbosityToLevel(verbosity))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-log", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().String("config", "", "Config file (overrides system, user and project config)")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.LogCmd)
	rootCmd.AddCommand(commands.LockCmd)
	rootCmd.AddCommand(commands.MaintenanceCmd)
	rootCmd.AddCommand(commands.RelayCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
