package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sjawhar/ghost-recorder/internal/audio"
	"github.com/sjawhar/ghost-recorder/internal/bookmark"
	"github.com/sjawhar/ghost-recorder/internal/config"
	"github.com/sjawhar/ghost-recorder/internal/fileprovider"
	"github.com/sjawhar/ghost-recorder/internal/gdrive"
	"github.com/sjawhar/ghost-recorder/internal/recorder"
	"github.com/sjawhar/ghost-recorder/internal/server"
	"github.com/sjawhar/ghost-recorder/internal/session"
	"github.com/sjawhar/ghost-recorder/internal/stopwatch"
	"github.com/sjawhar/ghost-recorder/internal/storage"
)

const purgeInterval = time.Hour

func newServeCmd(opts *rootOptions) *cobra.Command {
	var staticDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder with its HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.configPath, staticDir)
		},
	}
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "serve a web UI from this directory")
	return cmd
}

func serve(ctx context.Context, configPath, staticDir string) error {
	log.Printf("ghost-recorder %s: starting", Version)

	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		slog.Warn("config", "warning", w)
	}

	terminate, err := audio.Init()
	if err != nil {
		return err
	}
	defer terminate()

	store, err := storage.NewSQLiteStore(cfg.DBPath, storage.WithTrashTTL(cfg.ParsedTrashTTL()))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	var providerOpts []fileprovider.Option
	if cfg.GDriveFolderID != "" {
		backup, err := gdrive.NewBackup(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			slog.Warn("drive backup disabled", "error", err)
		} else {
			providerOpts = append(providerOpts, fileprovider.WithBackup(backup))
		}
	}
	files, err := fileprovider.New(cfg.TempDir, cfg.AudioDir, providerOpts...)
	if err != nil {
		return fmt.Errorf("prepare audio library: %w", err)
	}
	defer files.Wait()

	machine := recorder.NewMachine(audio.NewMic(cfg.FramesPerBuffer), files,
		recorder.WithStopWatch(stopwatch.New(stopwatch.WithTickInterval(cfg.ParsedTickInterval()))),
		recorder.WithWaveformCapacity(cfg.WaveformCapacity),
		recorder.WithSmoothing(cfg.WaveformSmoothing),
		recorder.WithAcquireTimeout(cfg.ParsedAcquireTimeout()),
	)
	marks := bookmark.NewRecorder(store)
	sess := session.New(machine, marks, store, config.SettingsLoader(configPath), session.WithOwner(cfg.Owner))

	hub := server.NewHub()
	detach := sess.Attach(hub)
	defer detach()

	var staticFS fs.FS
	if staticDir != "" {
		staticFS = os.DirFS(staticDir)
	}
	handler, err := server.Handler(staticFS, hub, server.Backend{
		Session:   sess,
		Library:   store,
		Bookmarks: marks,
		Audio:     files,
		Waveform:  machine.Waveform,
		TrashTTL:  cfg.ParsedTrashTTL(),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sess.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return server.Serve(gctx, cfg.ListenAddr, handler)
	})
	g.Go(func() error {
		offsets, stopMarks := sess.Marks()
		defer stopMarks()
		wave, stopWave := machine.WaveformUpdates()
		defer stopWave()
		hub.Relay(gctx, offsets, wave)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			if _, err := purgeTrash(gctx, store, files); err != nil {
				slog.Warn("trash purge failed", "error", err)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err = g.Wait()
	slog.Info("ghost-recorder stopped")
	return err
}

type trashStore interface {
	PurgeExpiredTrash(ctx context.Context) ([]storage.TrashEntry, error)
}

type audioRemover interface {
	Remove(ctx context.Context, uri string) error
}

// purgeTrash drops expired trash entries and deletes their audio.
func purgeTrash(ctx context.Context, store trashStore, files audioRemover) (int, error) {
	expired, err := store.PurgeExpiredTrash(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range expired {
		if e.FileURI == "" {
			continue
		}
		if err := files.Remove(ctx, e.FileURI); err != nil {
			slog.Warn("remove expired audio", "recording_id", e.RecordingID, "file", e.FileURI, "error", err)
		}
	}
	if len(expired) > 0 {
		slog.Info("purged expired trash", "count", len(expired))
	}
	return len(expired), nil
}
