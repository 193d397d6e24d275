package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sjawhar/ghost-recorder/internal/config"
	"github.com/sjawhar/ghost-recorder/internal/fileprovider"
	"github.com/sjawhar/ghost-recorder/internal/storage"
)

func openStore(configPath string) (*storage.SQLiteStore, config.Config, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath, storage.WithTrashTTL(cfg.ParsedTrashTTL()))
	if err != nil {
		return nil, cfg, fmt.Errorf("open storage: %w", err)
	}
	return store, cfg, nil
}

func newRecordingsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recordings",
		Short: "List saved recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			recs, err := store.ListRecordings(cmd.Context())
			if err != nil {
				return err
			}
			return printRecordings(cmd.OutOrStdout(), recs)
		},
	}
}

func printRecordings(out io.Writer, recs []storage.Recording) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tDURATION\tRECORDED\tFAV")
	for _, r := range recs {
		fav := ""
		if r.IsFavourite {
			fav = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Title, r.Duration.Round(time.Second), r.RecordedAt.Local().Format("2006-01-02 15:04"), fav)
	}
	return w.Flush()
}

func newTrashCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Inspect and purge deleted recordings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trashed recordings with their expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.ListTrash(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECORDING\tTITLE\tEXPIRES")
			for _, e := range entries {
				expires := e.ExpiresAt.Local().Format("2006-01-02 15:04")
				if !e.ExplicitExpiry {
					expires += " (rolling)"
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", e.ID, e.RecordingID, e.Title, expires)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired trash entries and their audio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore(opts.configPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			files, err := fileprovider.New(cfg.TempDir, cfg.AudioDir)
			if err != nil {
				return err
			}
			n, err := purgeTrash(cmd.Context(), store, files)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
			return nil
		},
	})

	return cmd
}
