package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
	"github.com/ehrlich-b/dockerlogs/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dlogd",
		Short:        "Live docker container logs over websocket",
		Long:         "Streams `docker container logs --follow` for a container to an authenticated browser websocket.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	root.PersistentFlags().String("config", "", "config file (default ~/.dockerlogs/config.yaml if present)")
	addServeFlags(root.Flags())

	root.AddCommand(
		serveCmd(),
		tokenCmd(),
		sessionCmd(),
		keygenCmd(),
		attachCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*auth.Store, error) {
	if err := config.EnsureDBDir(cfg.Auth.DBPath); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := auth.OpenStore(cfg.Auth.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
