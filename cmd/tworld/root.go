package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/crystal-mush/tworld/pkg/boltstore"
	"github.com/crystal-mush/tworld/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand builds the tworld command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tworld",
		Short:         "Tworld shared-world server",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv(server.EnvPrefix+"CONFIG"),
		"path to tworld.yaml (env: "+server.EnvPrefix+"CONFIG)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewPasswdCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewSchemaCommand())
	return cmd
}

// load reads the config and builds the logger every command starts from.
func (o *RootOptions) load() (server.Config, *zap.Logger, error) {
	cfg, err := server.LoadConfig(o.ConfigPath)
	if err != nil {
		return cfg, nil, err
	}
	log, err := server.NewLogger(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

// openStore opens the world store, creating its directory if needed.
func openStore(cfg server.Config, log *zap.Logger) (*boltstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return boltstore.Open(cfg.DBPath, log.Named("store"))
}
