package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and revoke bearer credentials",
	}
	cmd.AddCommand(tokenIssueCmd(), tokenCreateCmd(), tokenRevokeCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed JWT for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			label, _ := cmd.Flags().GetString("label")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			secret, err := auth.GenerateOrLoadSecret(store, cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("jwt secret: %w", err)
			}
			tok, exp, err := auth.IssueToken(secret, user, label, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (required)")
	cmd.Flags().String("label", "", "free-form label stored in the token")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}

func tokenCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an opaque API token stored in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			label, _ := cmd.Flags().GetString("label")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var exp *time.Time
			if ttl > 0 {
				t := time.Now().Add(ttl)
				exp = &t
			}
			tok := auth.GenerateToken()
			if err := store.CreateAPIToken(tok, user, label, exp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id (required)")
	cmd.Flags().String("label", "", "label shown in logs")
	cmd.Flags().Duration("ttl", 0, "token lifetime (0 never expires)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Delete an API token",
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
			return store.DeleteAPIToken(args[0])
		},
	}
}
