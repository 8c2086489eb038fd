package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/crystal-mush/tworld/pkg/archive"
	"github.com/crystal-mush/tworld/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewBackupCommand creates the backup command.
func NewBackupCommand(opts *RootOptions) *cobra.Command {
	var dir string
	var list bool
	cmd := &cobra.Command{
		Use:   "backup [OUT.tar.gz]",
		Short: "Archive the world store, feed history, text files and config",
		Long: `Write a .tar.gz holding a snapshot of the world store, the feed
database, the text files and the config file, with SHA-256 sums in
manifest.json. The server must be stopped. Without OUT the archive is
written to --dir with a timestamped name.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return listBackups(cmd, dir)
			}
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			params := archive.Params{
				Snapshot: store.Backup,
				TextDir:  cfg.TextDir,
				ConfPath: opts.ConfigPath,
				Dir:      dir,
				Server:   server.VersionString(),
			}
			if len(args) == 1 {
				params.Out = args[0]
			}
			if cfg.FeedDB != "" {
				feed, err := server.OpenFeedDB(cfg.FeedDB, log.Named("feed"))
				if err != nil {
					return err
				}
				defer feed.Close()
				params.FeedPath = feed.Path()
				params.FeedCheckpoint = feed.Checkpoint
			}

			path, err := archive.Create(params)
			if err != nil {
				return err
			}
			log.Info("backup written", zap.String("path", path))
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "backups", "archive directory")
	cmd.Flags().BoolVar(&list, "list", false, "list the archives in --dir")
	return cmd
}

func listBackups(cmd *cobra.Command, dir string) error {
	archives, err := archive.List(dir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tTIMESTAMP\tSIZE\tFILES\tSERVER")
	for _, a := range archives {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", a.Filename, a.Timestamp, a.Size, a.Files, a.Server)
	}
	return tw.Flush()
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(opts *RootOptions) *cobra.Command {
	var overwriteConf bool
	cmd := &cobra.Command{
		Use:   "restore ARCHIVE.tar.gz",
		Short: "Restore a backup archive over the configured paths",
		Long: `Verify an archive against its manifest and copy its files over the
configured db, feed_db and text_dir paths. The server must be stopped.
A differing config file is written beside the current one unless
--overwrite-config is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			res, err := archive.Restore(archive.RestoreParams{
				ArchivePath:   args[0],
				WorldDest:     cfg.DBPath,
				FeedDest:      cfg.FeedDB,
				TextDest:      cfg.TextDir,
				ConfDest:      opts.ConfigPath,
				OverwriteConf: overwriteConf,
			})
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				log.Warn("restore", zap.String("warning", w))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d files restored\n", res.FilesRestored)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwriteConf, "overwrite-config", false, "replace the config file if it differs")
	return cmd
}
