package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"teddybox/internal/config"
	"teddybox/internal/controls"
	"teddybox/internal/fetcher"
	"teddybox/internal/library"
	"teddybox/internal/logging"
	"teddybox/internal/nfc"
	"teddybox/internal/pipeline"
	"teddybox/internal/playback"
	"teddybox/internal/retained"
	"teddybox/internal/server"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errPowerOff = errors.New("powering off after inactivity")

var consoleInput bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the player",
	Long: `Start the player: tag resolver, playback, downloads, controls, library
and the local control API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlayer(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&consoleInput, "console", false, "read ear and gesture commands from stdin")
	rootCmd.AddCommand(runCmd)
}

func runPlayer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := retained.Open(cfg.Retained.Path, logger)
	if err != nil {
		return fmt.Errorf("error opening retained record: %w", err)
	}

	lib, err := library.Open(cfg.Database.Path, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("error initializing library: %w", err)
	}
	defer lib.Close()

	if cfg.Content.ScanOnStartup {
		n, err := lib.Scan(ctx, cfg.Content.Root)
		switch {
		case err != nil:
			logger.WithError(err).Warn("Library scan failed")
		case n == 0:
			logger.WithField("root", cfg.Content.Root).Warn("No assets found in content directory")
		}
	}

	fetch, err := fetcher.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("error creating fetcher: %w", err)
	}
	fetch.OnFinished = lib.OnDownloadFinished

	output, err := pipeline.OpenOutput(cfg.Playback.Output, logger)
	if err != nil {
		return err
	}
	defer output.Close()

	states := playback.NewStateManager()
	player := playback.New(cfg, playback.Options{
		Pipeline:   pipeline.New(output, cfg.Playback.OutputRate, logger),
		Downloader: playback.FetcherDownloader{Fetcher: fetch},
		Store:      store,
		Muter:      output,
		Recorder:   lib,
		States:     states,
	}, logger)

	volume := controls.NewVolume(cfg.Controls, int(store.Load().Volume), controls.VolumeOptions{
		Beeper:    output,
		Amplifier: output,
		Store:     store,
		States:    states,
	}, logger)
	idle := controls.NewIdleWatcher(cfg.IdleTimeout(), states, logger)
	ctrl := controls.NewController(volume, controls.NewGestures(cfg.Controls, player, logger), idle, logger)

	// no radio front end driver exists for this host, tags are placed
	// through the control API
	field := nfc.NewEmulator()
	resolver := nfc.NewResolver(field, player, cfg.NFC, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return fetch.Run(ctx) })
	g.Go(func() error { return player.Run(ctx) })
	g.Go(func() error { return resolver.Run(ctx) })
	g.Go(func() error { return logIndicator(ctx, states, logging.Component(logger, "indicator")) })

	inputs := make(chan controls.Input, 16)
	g.Go(func() error { return ctrl.Run(ctx, inputs) })
	if consoleInput {
		// stdin cannot be interrupted, so the reader stays outside the group
		go func() {
			if err := ctrl.ReadConsole(ctx, os.Stdin, inputs); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("Console input stopped")
			}
		}()
	}

	g.Go(func() error {
		if err := idle.Run(ctx); err != nil {
			return err
		}
		return errPowerOff
	})

	if cfg.Content.WatchForChanges {
		watcher, err := library.NewWatcher(lib, cfg.Content.Root, library.DefaultSettle, logger)
		if err != nil {
			logger.WithError(err).Warn("Content watcher unavailable")
		} else {
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	if cfg.Server.Enabled {
		srv := server.New(cfg, server.Options{
			Player:    player,
			Library:   lib,
			Downloads: fetch,
			Volume:    volume,
			Field:     field,
		}, logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if cfg.Playback.StartupSound {
		if err := player.PlayDefaultAsset(ctx, playback.SoundStartup); err != nil {
			logger.WithError(err).Warn("Startup sound not played")
		}
	}

	logger.WithField("volume", volume.Level()).Info("teddybox started")

	err = g.Wait()
	switch {
	case errors.Is(err, errPowerOff):
		logger.Info("Powered off")
		return nil
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("Shut down")
		return nil
	}
	return err
}

// logIndicator reports indicator pattern changes
func logIndicator(ctx context.Context, states *playback.StateManager, logger *logrus.Entry) error {
	updates := states.Subscribe()
	defer states.Unsubscribe(updates)

	last := states.GetState().Indicator
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if snap.Indicator == last {
				continue
			}
			last = snap.Indicator
			logger.WithFields(logrus.Fields{
				"state":     snap.State,
				"indicator": snap.Indicator,
			}).Info("Indicator changed")
		}
	}
}
