package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/genq/am"
	"github.com/teranos/genq/coordinator"
	"github.com/teranos/genq/feed"
	"github.com/teranos/genq/internal/httpclient"
	"github.com/teranos/genq/logger"
	"github.com/teranos/genq/server"
	"github.com/teranos/genq/sym"
)

// WorkerCmd runs the coordinator loop
var WorkerCmd = &cobra.Command{
	Use:     "worker",
	Aliases: []string{"start"},
	Short:   sym.Worker + " Run a coordinator worker",
	Long: sym.Worker + ` worker - run the admission loop for this host.

The worker:
- Wakes on change-feed events and a poll ticker
- Reclaims slots whose heartbeat is older than the staleness threshold
- Blocks jobs that conflict with the active job, unblocks them when it ends
- Claims the next eligible job and heartbeats while it runs
- Serves the HTTP admin API unless --no-server is given

The coordinator and the /ws/events broadcaster share one change-feed
subscription. Coordinator timings and the conflict rule are reloaded when the
config file changes.

Ctrl+C stops admitting and waits up to coordinator.drain_timeout for the
running job to finish and release the slot. A second Ctrl+C exits at once.

Examples:
  genq worker -v                        # Run with info logging
  genq worker --addr :9000              # Serve the admin API on :9000
  genq worker --no-server               # Admission loop only`,
	RunE: runWorker,
}

var (
	workerAddr     string
	workerNoServer bool
)

func init() {
	WorkerCmd.Flags().StringVar(&workerAddr, "addr", "", "HTTP listen address (overrides server.addr)")
	WorkerCmd.Flags().BoolVar(&workerNoServer, "no-server", false, "Do not serve the HTTP admin API")
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Default to info for long-running processes
	if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity == 0 {
		logger.SetLevel(logger.VerbosityToLevel(logger.VerbosityInfo))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	coordCfg := coordinatorConfig(cfg.Coordinator)
	log := logger.Logger.With(logger.FieldWorkerID, coordCfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// Restore default signal handling so a second Ctrl+C terminates
		stop()
	}()

	b, err := openBackend(ctx, cfg, coordCfg.WorkerID, log.Named("store"))
	if err != nil {
		return err
	}
	defer b.Close()

	sub, err := b.subscriber(ctx, log.Named("feed"))
	if err != nil {
		return err
	}
	var events feed.Subscriber
	if sub != nil {
		events = feed.NewShared(ctx, sub, log.Named("feed"))
	}

	coord, err := coordinator.New(b.store, events, newExecutor(cfg), coordCfg, log.Named("coordinator"))
	if err != nil {
		return err
	}

	serve := cfg.Server.Enabled && !workerNoServer
	addr := cfg.Server.Addr
	if workerAddr != "" {
		addr = workerAddr
	}
	srv := server.New(b.store,
		server.WithWorker(coord),
		server.WithFeed(events),
		server.WithSecrets(secrets(cfg.Admin)),
		server.WithLogger(log.Named("server")),
	)

	watcher := watchConfig(log.Named("am"), func(next *am.Config) error {
		if err := coord.SetTimings(timings(next.Coordinator)); err != nil {
			return err
		}
		srv.SetSecrets(secrets(next.Admin))
		return nil
	})
	if watcher != nil {
		defer watcher.Stop()
	}

	printWorkerBanner(cfg, coordCfg, sub, serve, addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	if serve {
		g.Go(func() error {
			return srv.ListenAndServe(gctx, addr)
		})
	}
	if cl, ok := sub.(*feed.ChangeLog); ok {
		g.Go(func() error {
			cl.RunPruner(gctx)
			return nil
		})
	}

	err = g.Wait()
	pterm.Info.Printfln("%s Worker %s stopped", sym.Stop, coordCfg.WorkerID)
	return err
}

// newExecutor registers the built-in handlers and, when executor.url is
// set, forwards every other job type to that webhook.
func newExecutor(cfg *am.Config) coordinator.Executor {
	registry := coordinator.NewHandlerRegistry()
	_ = registry.Register(coordinator.SleepHandler{})

	var fallback coordinator.Executor
	if cfg.Executor.URL != "" {
		fallback = coordinator.NewWebhookExecutor(cfg.Executor.URL, httpclient.Options{
			Timeout:        cfg.Executor.Timeout,
			BlockPrivateIP: cfg.Executor.BlockPrivateIP,
		})
	}
	return coordinator.NewRegistryExecutor(registry, fallback)
}

// watchConfig starts a watcher over the active config files. It returns
// nil when no file is in use or the watcher cannot start.
func watchConfig(log *zap.SugaredLogger, onReload am.ReloadCallback) *am.ConfigWatcher {
	paths := am.ActiveConfigFiles()
	if len(paths) == 0 {
		return nil
	}
	watcher, err := am.NewConfigWatcher(log, paths...)
	if err != nil {
		log.Warnw("Config hot reload disabled", "error", err)
		return nil
	}
	watcher.OnReload(onReload)
	watcher.Start()
	return watcher
}

func printWorkerBanner(cfg *am.Config, coordCfg coordinator.Config, sub feed.Subscriber, serve bool, addr string) {
	transport := cfg.Feed.Transport
	if sub == nil {
		transport = "poll only"
	}
	pterm.DefaultSection.Printfln("%s genq worker %s", sym.Worker, coordCfg.WorkerID)
	pterm.Printfln("  Database:        %s", cfg.Database.Driver)
	pterm.Printfln("  Change feed:     %s", transport)
	pterm.Printfln("  Heartbeat:       %s", coordCfg.HeartbeatInterval)
	pterm.Printfln("  Staleness:       %s", coordCfg.StalenessThreshold)
	pterm.Printfln("  Poll interval:   %s", coordCfg.PollInterval)
	pterm.Printfln("  Conflict rule:   %s", coordCfg.ConflictRule)
	if serve {
		pterm.Printfln("  Admin API:       %s", addr)
	}
	pterm.Println()
	pterm.Info.Printfln("%s Press Ctrl+C for graceful shutdown", sym.Worker)
}
