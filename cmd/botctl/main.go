// botctl is the administration CLI for the daily assistant.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/dailybot/internal/bootstrap"
	"github.com/ashureev/dailybot/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	dbPath    string
	catalog   string
	verbose   bool
	loadCfg   func() (*config.Config, error)
	logWriter io.Writer
}

func main() {
	_ = godotenv.Load()
	opts := &options{loadCfg: config.Load, logWriter: os.Stderr}
	if err := newRootCmd(opts).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "botctl",
		Short: "Administer the daily assistant",
		Long: `botctl inspects and repairs user records, dry-runs keyword routing and
runs single chat turns against the local database without starting the server.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	root.PersistentFlags().StringVar(&opts.catalog, "specialists", "", "specialist catalog YAML (overrides SPECIALISTS_FILE)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newUserCmd(opts),
		newRouteCmd(opts),
		newSpecialistsCmd(opts),
		newChatCmd(opts),
	)
	return root
}

func (o *options) logger() *slog.Logger {
	level := slog.LevelError
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(o.logWriter, &slog.HandlerOptions{Level: level}))
}

func (o *options) config() (*config.Config, error) {
	cfg, err := o.loadCfg()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.catalog != "" {
		cfg.Orchestration.SpecialistsFile = o.catalog
	}
	// Admin runs are not conversations.
	cfg.ConversationLog.Enabled = false
	cfg.ConversationLog.GlobalEnabled = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withCore runs fn against a freshly wired core.
func (o *options) withCore(ctx context.Context, fn func(*bootstrap.Core) error) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	core, err := bootstrap.New(ctx, cfg, o.logger())
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core)
}
