package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/config"
	"github.com/iudanet/fieldsync/internal/server"
	"github.com/iudanet/fieldsync/internal/server/jwt"
	"github.com/iudanet/fieldsync/internal/server/storage/sqlite"
	"github.com/iudanet/fieldsync/pkg/api"
)

type rootOptions struct {
	configPath string
	addr       string
	dbPath     string
}

// loadConfig читает конфигурацию, флаги --addr и --db имеют приоритет
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if cmd.Flags().Changed("db") {
		cfg.Server.DBPath = o.dbPath
	}
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fieldsync-server",
		Short:         "Reference fieldsync server",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "listen address (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(newServeCommand(opts), newTokenCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := cfg.NewLogger(cmd.ErrOrStderr())
			logger.Info("Starting fieldsync server", "version", Version, "db", cfg.Server.DBPath)

			store, err := sqlite.New(ctx, cfg.Server.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Error("Failed to close database", "error", err)
				}
			}()

			tokens := jwt.NewService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
			return server.New(logger, cfg.Server, store, tokens, Version).Run(ctx)
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject     string
		entityTypes []string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device access token",
		Long: `Issue a signed access token for a device.

The token is signed with server.jwt_secret. Without --entity-types
the device may sync every entity type.

Examples:
  fieldsync-server token --subject laptop-ann
  fieldsync-server token --subject tablet-7 --entity-types contact,deal --ttl 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Server.TokenTTL
			}

			token, expiresAt, err := jwt.NewService(cfg.Server.JWTSecret, ttl).Issue(subject, entityTypes)
			if err != nil {
				return err
			}

			resp := api.TokenResponse{
				AccessToken: token,
				Subject:     subject,
				EntityTypes: entityTypes,
			}
			if !expiresAt.IsZero() {
				resp.ExpiresAt = &expiresAt
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "device id (required)")
	_ = cmd.MarkFlagRequired("subject")
	cmd.Flags().StringSliceVar(&entityTypes, "entity-types", nil, "entity types the device may sync (default all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 for no expiry (default server.token_ttl)")
	return cmd
}
