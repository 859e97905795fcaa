package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/feed"
	"github.com/teranos/genq/logger"
	"github.com/teranos/genq/sym"
)

// RelayCmd forwards the database change feed to Redis
var RelayCmd = &cobra.Command{
	Use:   "relay",
	Short: sym.Feed + " Forward the database change feed to Redis",
	Long: sym.Feed + ` relay - publish database change events on Redis.

Reads the feed the store itself produces (the sqlite change_log table, or
postgres LISTEN/NOTIFY) and publishes every event on feed.channel. Workers
configured with feed.transport = "redis" then wake without database
LISTEN access. Run one relay per database; duplicates are harmless since
delivery is at-least-once.

Examples:
  REDIS_URL=redis://cache:6379/0 genq relay`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

const (
	relayMinBackoff = time.Second
	relayMaxBackoff = 30 * time.Second
)

func runRelay(cmd *cobra.Command, args []string) error {
	if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity == 0 {
		logger.SetLevel(logger.VerbosityToLevel(logger.VerbosityInfo))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Logger.Named("relay")
	b, err := openBackend(ctx, cfg, "", log)
	if err != nil {
		return err
	}
	defer b.Close()

	src := b.databaseFeed(log)
	if src == nil {
		return errors.Newf("database driver %q has no change feed to relay", cfg.Database.Driver)
	}
	dst, err := b.redisFeed(ctx, log)
	if err != nil {
		return err
	}

	pterm.Info.Printfln("%s Relaying %s changes to redis channel %s", sym.Feed, cfg.Database.Driver, dst.Channel())
	return relayLoop(ctx, src, dst, log)
}

// relayLoop restarts feed.Relay with backoff until ctx is done.
func relayLoop(ctx context.Context, src feed.Subscriber, dst feed.Publisher, log *zap.SugaredLogger) error {
	backoff := relayMinBackoff
	for {
		started := time.Now()
		err := feed.Relay(ctx, src, log, dst)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > relayMaxBackoff {
			backoff = relayMinBackoff
		}
		log.Warnw("Relay interrupted, restarting", "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, relayMaxBackoff)
	}
}
