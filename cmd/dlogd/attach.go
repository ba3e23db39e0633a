package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/dockerlogs/internal/client"
)

func attachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <containerId>",
		Short: "Follow a container's logs from a running dlogd",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			tail, _ := cmd.Flags().GetInt("tail")
			token, _ := cmd.Flags().GetString("token")
			cookie, _ := cmd.Flags().GetString("cookie")
			if token == "" {
				token = os.Getenv("DLOGS_TOKEN")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			// Raw mode so keystrokes reach the remote pty unbuffered.
			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				oldState, err := term.MakeRaw(fd)
				if err == nil {
					defer term.Restore(fd, oldState)
				}
			}

			err := client.Attach(ctx, client.Options{
				URL:         url,
				ContainerID: args[0],
				Tail:        tail,
				Token:       token,
				Cookie:      cookie,
			}, os.Stdin, os.Stdout)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("attach %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().String("url", "ws://localhost:3000", "dlogd base URL")
	cmd.Flags().Int("tail", 100, "lines of history to show first (0 for all)")
	cmd.Flags().String("token", "", "bearer token (default $DLOGS_TOKEN)")
	cmd.Flags().String("cookie", "", "session cookie as name=value")
	return cmd
}
