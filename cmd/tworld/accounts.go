package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/crystal-mush/tworld/pkg/server"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/spf13/cobra"
)

// NewPasswdCommand creates the passwd command.
func NewPasswdCommand(opts *RootOptions) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "passwd NAME",
		Short: "Set a player's password",
		Long:  "Set a player's password. Without --password the first line of stdin is used.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no password given")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := server.HashPassword(password)
			if err != nil {
				return err
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

			p, err := store.FindPlayer(cmd.Context(), args[0])
			if errors.Is(err, worlddb.ErrNotFound) {
				return fmt.Errorf("no player named %q", args[0])
			}
			if err != nil {
				return err
			}
			p.PasswordHash = hash
			if err := store.PutPlayer(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password set for %s\n", p.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token NAME",
		Short: "Print a login token for a player",
		Long:  "Sign a token for a player without a password. Needs jwt_secret to match the running server.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.JWTSecret == "" {
				return errors.New("jwt_secret is not configured")
			}
			store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := store.FindPlayer(cmd.Context(), args[0])
			if errors.Is(err, worlddb.ErrNotFound) {
				return fmt.Errorf("no player named %q", args[0])
			}
			if err != nil {
				return err
			}
			token, err := server.NewAuthService(store, cfg.JWTSecret, cfg.JWTExpiry).Issue(p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
