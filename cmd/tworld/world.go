package main

import (
	"context"
	"fmt"

	"github.com/crystal-mush/tworld/pkg/server"
	"github.com/crystal-mush/tworld/pkg/worldfile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "import FILE.yaml...",
		Short: "Load worlds, locations, properties and players from YAML",
		Long: `Load world files into the store. The server must be stopped.

Worlds, locations and players are replaced; properties are matched by key
and updated in place, so re-importing a file is safe.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]*worldfile.File, 0, len(args))
			for _, path := range args {
				wf, err := worldfile.Load(path)
				if err != nil {
					return err
				}
				files = append(files, wf)
			}
			if check {
				fmt.Fprintf(cmd.OutOrStdout(), "%d file(s) OK\n", len(files))
				return nil
			}
			return runImport(cmd.Context(), opts, args, files, cmd)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "validate the files without writing")
	return cmd
}

func runImport(ctx context.Context, opts *RootOptions, paths []string, files []*worldfile.File, cmd *cobra.Command) error {
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

	im := &worldfile.Importer{Store: store, Hash: server.HashPassword, Log: log.Named("import")}
	for i, wf := range files {
		sum, err := im.Import(ctx, wf)
		if err != nil {
			return fmt.Errorf("%s: %w", paths[i], err)
		}
		log.Info("import complete",
			zap.String("file", paths[i]),
			zap.Int("worlds", sum.Worlds),
			zap.Int("locations", sum.Locations),
			zap.Int("props", sum.Props),
			zap.Int("players", sum.Players),
			zap.Int("portals", sum.Portals))
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d worlds, %d locations, %d properties, %d players, %d portals\n",
			paths[i], sum.Worlds, sum.Locations, sum.Props, sum.Players, sum.Portals)
	}
	return nil
}
