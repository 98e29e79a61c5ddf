package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scanforge/scanforge/internal/config"
	"github.com/scanforge/scanforge/internal/watcher"
)

// NewWatcherCommand creates the watcher command.
func NewWatcherCommand() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "watcher",
		Short: "Run the timeout watchdog",
		Long: `Runs the watchdog delivery loop: submissions that stop being touched by
any dispatcher are pushed back onto the submission queue after the
configured timeout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatcher(cmd.Context(), configPath, verbose)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	return cmd
}

func runWatcher(ctx context.Context, configPath string, verbose bool) error {
	cfg, cfgErr := config.LoadConfig(configPath)
	if cfgErr != nil {
		return cfgErr
	}

	log := newLogger(verbose)

	s, storeErr := openStore(cfg, log)
	if storeErr != nil {
		return storeErr
	}
	defer func() { _ = s.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.InfoContext(ctx, "watchdog running")

	runErr := watcher.NewServer(s, log).Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		return nil
	}

	return runErr
}
