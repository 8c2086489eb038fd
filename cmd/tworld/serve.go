package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crystal-mush/tworld/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Long: `Run the websocket server until SIGINT or SIGTERM.

Every config key can be overridden from the environment with the
TWORLD_ prefix, e.g. TWORLD_LISTEN=:8080 or TWORLD_LOG_LEVEL=debug.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("Welcome to " + server.VersionString())

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = server.GenerateJWTSecret()
		log.Warn("no jwt_secret configured; tokens will not survive a restart")
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	if !store.HasData() {
		log.Warn("world store is empty; load a world with `tworld import`")
	}

	var feed *server.FeedDB
	if cfg.FeedDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FeedDB), 0755); err != nil {
			return fmt.Errorf("create feed dir: %w", err)
		}
		feed, err = server.OpenFeedDB(cfg.FeedDB, log.Named("feed"))
		if err != nil {
			return err
		}
		defer feed.Close()
	}

	var texts *server.TextFiles
	if cfg.TextDir != "" {
		texts = server.LoadTextFiles(cfg.TextDir, log.Named("text"))
		if err := texts.Watch(ctx); err != nil {
			log.Warn("text files will not hot-reload", zap.Error(err))
		}
	}

	hub := server.NewHub(cfg, server.HubOptions{
		Store: store,
		Feed:  feed,
		Texts: texts,
		Log:   log,
	})
	go hub.Run(ctx)

	ws := server.NewWebServer(hub, cfg, log.Named("web"))
	errc := make(chan error, 1)
	go func() { errc <- ws.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if err != nil {
			hub.Shutdown()
			return fmt.Errorf("web server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Stop(shutdownCtx); err != nil {
		log.Warn("web server shutdown", zap.Error(err))
	}
	hub.Shutdown()
	return nil
}
