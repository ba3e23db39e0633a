package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage browser session cookies",
	}
	cmd.AddCommand(sessionCreateCmd(), sessionRevokeCmd(), sessionPruneCmd())
	return cmd
}

func sessionCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print its cookie value",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tok := auth.GenerateToken()
			exp := time.Now().Add(cfg.Auth.SessionDuration)
			if err := store.CreateSession(tok, user, exp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", cfg.Auth.SessionCookie, tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func sessionRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.DeleteSession(args[0])
		},
	}
}

func sessionPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.PruneSessions()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d sessions\n", n)
			return nil
		},
	}
}
