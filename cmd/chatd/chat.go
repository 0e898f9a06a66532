package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatd/internal/chat"
	"chatd/internal/config"
)

func newChatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run a single conversation turn in-process",
		Long: `One-shot turn against the configured store and model: load the
session, invoke the model, save, print the answer. Pass --conversation to
continue an existing conversation (the memory backend only remembers
within one process, so continuing across runs needs the redis backend).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, closeStore, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			orchestrator := chat.NewOrchestrator(store, newCapability(cfg),
				chat.WithSessionTTL(time.Duration(cfg.Session.TTLMinutes)*time.Minute),
				chat.WithLogger(newLogger(cfg)),
			)

			id, answer, err := orchestrator.Respond(ctx, conversationID, args[0])
			if err != nil {
				return err
			}

			fmt.Println(answer)
			fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue an existing conversation")
	return cmd
}
