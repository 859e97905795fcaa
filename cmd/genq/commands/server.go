package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genq/am"
	"github.com/teranos/genq/logger"
	"github.com/teranos/genq/server"
	"github.com/teranos/genq/sym"
)

// ServerCmd serves the admin API without admitting jobs
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Serve the HTTP admin API without running jobs",
	Long: `Serve the HTTP admin API against the configured store.

Use this on hosts that submit and administer jobs but should never hold the
execution slot. /health reports storage only since no coordinator runs here.

Examples:
  genq server                 # Serve on server.addr (default :8787)
  genq server --addr :9000`,
	RunE: runServer,
}

var serverAddr string

func init() {
	ServerCmd.Flags().StringVar(&serverAddr, "addr", "", "HTTP listen address (overrides server.addr)")
}

func runServer(cmd *cobra.Command, args []string) error {
	if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity == 0 {
		logger.SetLevel(logger.VerbosityToLevel(logger.VerbosityInfo))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if serverAddr != "" {
		addr = serverAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Logger
	b, err := openBackend(ctx, cfg, "", log.Named("store"))
	if err != nil {
		return err
	}
	defer b.Close()

	sub, err := b.subscriber(ctx, log.Named("feed"))
	if err != nil {
		return err
	}

	srv := server.New(b.store,
		server.WithFeed(sub),
		server.WithSecrets(secrets(cfg.Admin)),
		server.WithLogger(log.Named("server")),
	)

	watcher := watchConfig(log.Named("am"), func(next *am.Config) error {
		srv.SetSecrets(secrets(next.Admin))
		return nil
	})
	if watcher != nil {
		defer watcher.Stop()
	}

	pterm.Info.Printfln("%s Serving genq admin API on %s", sym.Start, addr)
	return srv.ListenAndServe(ctx, addr)
}
