package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chatd/internal/config"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset stored sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsResetCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live conversation IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, closeStore, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			ids, err := store.ListKeys(ctx)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}

			if len(ids) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No live sessions")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newSessionsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <conversation-id>",
		Short: "Delete the stored session for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, closeStore, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("resetting session: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Reset %s\n", args[0])
			return nil
		},
	}
}
