package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/untoldecay/cascade/internal/config"
	"github.com/untoldecay/cascade/internal/logging"
	"github.com/untoldecay/cascade/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the hierarchy and propagate changes",
	Long: `Validates the hierarchy, then watches record and markdown files for
changes. Bursts on the same path are coalesced into one propagation per
debounce window; the engine's own writes are suppressed so auto-fixes do
not re-trigger themselves. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The daemon logs to a rotating file in addition to stderr.
		logFile := config.LogFile()
		if logFile != "" {
			logging.Setup(config.LogLevel(), logFile)
		}

		c, err := openComponents()
		if err != nil {
			return err
		}

		// Full integrity pass before watching: the dispatcher owns no
		// persistent state, so restart always begins from a validated tree.
		diags, err := c.validator.ValidateHierarchy()
		if err != nil {
			return fmt.Errorf("startup validation: %w", err)
		}
		for _, d := range diags {
			log.Warn().Str("check", d.Check).Str("severity", string(d.Severity)).Msg(d.Message)
		}
		if hasErrors(diags) {
			log.Error().Int("diagnostics", len(diags)).
				Msg("hierarchy has structural errors; propagation may abort chains until repaired")
		}

		disp, err := watcher.NewDispatcher(c.root, c.eng, c.store, watcher.Options{
			Window:           config.Debounce(),
			PollInterval:     config.PollInterval(),
			FallbackDisabled: !config.WatcherFallback(),
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		disp.Start(ctx)
		log.Info().Str("root", c.root).Msg("watching hierarchy")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		// Stop intake first; an in-flight batch finishes before exit.
		log.Info().Msg("shutting down")
		cancel()
		if err := disp.Close(); err != nil {
			log.Warn().Err(err).Msg("watcher close failed")
		}
		c.bus.Close()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
