package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
	"github.com/ehrlich-b/dockerlogs/internal/logger"
	"github.com/ehrlich-b/dockerlogs/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the log streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	addServeFlags(cmd.Flags())
	return cmd
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.String("addr", "", "listen address (overrides config)")
	fs.String("db", "", "database path (overrides config)")
	fs.String("log-level", "", "debug, info, warn or error (overrides config)")
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Auth.DBPath = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if n, err := store.PruneSessions(); err == nil && n > 0 {
		logger.Info("pruned expired sessions", "count", n)
	}

	secret, err := auth.GenerateOrLoadSecret(store, cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}

	srv, err := server.New(server.Options{Config: cfg, Store: store, Secret: secret})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}
