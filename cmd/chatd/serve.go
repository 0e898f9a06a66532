package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatd/internal/agent"
	"chatd/internal/chat"
	"chatd/internal/config"
	"chatd/internal/llm"
	"chatd/internal/runtime"
	"chatd/internal/session"
	"chatd/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chatd HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			logger := newLogger(cfg)
			metrics := telemetry.NewMetrics()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, closeStore, err := newStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			orchestrator := chat.NewOrchestrator(store, newCapability(cfg),
				chat.WithSessionTTL(time.Duration(cfg.Session.TTLMinutes)*time.Minute),
				chat.WithLogger(logger),
				chat.WithMetrics(metrics),
			)

			server := runtime.NewServer(orchestrator,
				runtime.WithAPIKey(cfg.APIKey),
				runtime.WithLogger(logger),
				runtime.WithMetrics(metrics),
			)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe(cfg.ListenAddr)
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server: %w", err)
				}
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := telemetry.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	return telemetry.NewLogger(os.Stderr, level)
}

// newStore constructs the configured session store. The returned closer
// releases backend connections and is a no-op for the memory backend.
func newStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	switch cfg.Session.Backend {
	case config.BackendRedis:
		client, err := session.NewGoRedisClient(ctx, cfg.Session.Redis.Addr, cfg.Session.Redis.Password, cfg.Session.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		store := session.NewRedisStore(client,
			session.WithKeyPrefix(cfg.Session.Redis.KeyPrefix),
			session.WithReadRefresh(time.Duration(cfg.Session.TTLMinutes)*time.Minute),
		)
		return store, func() { _ = client.Close() }, nil
	default:
		return session.NewMemoryStore(), func() {}, nil
	}
}

func newCapability(cfg *config.Config) agent.Capability {
	client, model := llm.NewClientForModel(cfg.Agent.Model)

	opts := []agent.LLMAgentOption{
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithMaxTokens(cfg.Agent.MaxTokens),
	}
	if cfg.Agent.Temperature != nil {
		opts = append(opts, agent.WithTemperature(*cfg.Agent.Temperature))
	}
	return agent.NewLLMAgent(client, model, opts...)
}
