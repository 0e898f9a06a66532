// Package chat implements the per-turn conversation loop: load the session
// for a conversation ID, run the agent, save the updated session.
//
// Turns for the same conversation are not serialized. Two concurrent turns
// both read the same prior session and the later save wins; the losing
// turn's update is silently discarded. That is an accepted limitation for
// the intended usage of one caller driving a conversation serially.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatd/internal/agent"
	"chatd/internal/session"
	"chatd/internal/telemetry"
)

// DefaultSessionTTL is the sliding expiration window applied to saves when
// none is configured.
const DefaultSessionTTL = 30 * time.Minute

// ErrEmptyMessage reports a turn with no user message.
var ErrEmptyMessage = errors.New("empty message")

// Orchestrator binds identifier management, session lifecycle and the
// agent capability into the per-turn control loop.
type Orchestrator struct {
	store      session.Store
	capability agent.Capability
	ttl        time.Duration
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSessionTTL sets the sliding expiration window applied on every save.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// NewOrchestrator creates an orchestrator over the given store and agent
// capability.
func NewOrchestrator(store session.Store, capability agent.Capability, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		capability: capability,
		ttl:        DefaultSessionTTL,
		logger:     slog.Default(),
		metrics:    telemetry.NewMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Respond runs one conversation turn. An empty conversationID starts a
// fresh conversation under a newly generated identifier; a known ID
// continues the stored conversation. The returned ID identifies the
// conversation either way.
//
// A corrupt stored session is discarded and the turn proceeds on a fresh
// session under the same ID; conversation memory is soft state, so the
// caller sees a working (if forgetful) conversation rather than an error.
// An agent failure surfaces without touching the store. A save failure
// fails the turn: returning an answer whose turn was never persisted would
// break continuity silently.
func (o *Orchestrator) Respond(ctx context.Context, conversationID, message string) (string, string, error) {
	if message == "" {
		return "", "", ErrEmptyMessage
	}

	start := time.Now()
	log := telemetry.RequestLogger(o.logger, ctx, conversationID)

	sess, conversationID, err := o.loadSession(ctx, conversationID, log)
	if err != nil {
		o.metrics.RecordTurn("store_error", time.Since(start), 0)
		return "", "", err
	}

	answer, updated, err := o.capability.Run(ctx, sess, message)
	if err != nil {
		o.metrics.RecordTurn("agent_error", time.Since(start), 0)
		return "", "", fmt.Errorf("run agent: %w", err)
	}

	// A canceled request never persists its turn: the answer was not
	// delivered, so the stored conversation must not contain it.
	if err := ctx.Err(); err != nil {
		o.metrics.RecordTurn("canceled", time.Since(start), 0)
		return "", "", err
	}

	blob, err := o.capability.EncodeSession(updated)
	if err != nil {
		o.metrics.RecordTurn("store_error", time.Since(start), 0)
		return "", "", fmt.Errorf("encode session: %w", err)
	}

	if err := o.store.Set(ctx, conversationID, blob, o.ttl); err != nil {
		o.metrics.RecordStoreOp("set", "error")
		o.metrics.RecordTurn("store_error", time.Since(start), 0)
		return "", "", fmt.Errorf("save session: %w", err)
	}
	o.metrics.RecordStoreOp("set", "ok")

	o.metrics.RecordTurn("ok", time.Since(start), updated.TokensUsed-sess.TokensUsed)
	log.Debug("turn completed",
		"turns", updated.Turns,
		"duration_ms", time.Since(start).Milliseconds())

	return conversationID, answer, nil
}

// loadSession resolves the session for a turn. It returns a fresh session
// when no ID was supplied, when no entry exists, or when the stored blob
// is corrupt; only a store failure is an error.
func (o *Orchestrator) loadSession(ctx context.Context, conversationID string, log *slog.Logger) (*agent.Session, string, error) {
	if conversationID == "" {
		// New conversation: no lookup, the identifier cannot collide.
		return o.capability.NewSession(), session.NewConversationID(), nil
	}

	blob, ok, err := o.store.Get(ctx, conversationID)
	if err != nil {
		o.metrics.RecordStoreOp("get", "error")
		return nil, "", fmt.Errorf("load session: %w", err)
	}
	o.metrics.RecordStoreOp("get", "ok")

	if !ok {
		return o.capability.NewSession(), conversationID, nil
	}

	sess, err := o.capability.DecodeSession(blob)
	if err != nil {
		if !errors.Is(err, agent.ErrCorruptSession) {
			return nil, "", fmt.Errorf("decode session: %w", err)
		}
		// Recoverable: discard the corrupt blob and restart the
		// conversation under the same identifier.
		o.metrics.RecordDecodeFailure()
		log.Warn("discarding corrupt session", "error", err)
		return o.capability.NewSession(), conversationID, nil
	}

	return sess, conversationID, nil
}

// Reset deletes the stored session for a conversation. Resetting an
// unknown or already-reset conversation succeeds silently.
func (o *Orchestrator) Reset(ctx context.Context, conversationID string) error {
	if err := o.store.Delete(ctx, conversationID); err != nil {
		o.metrics.RecordStoreOp("delete", "error")
		return fmt.Errorf("reset session: %w", err)
	}
	o.metrics.RecordStoreOp("delete", "ok")
	return nil
}

// ListActive returns the conversation IDs with live sessions. Listing is
// informational: when the backend cannot enumerate, the result is an empty
// slice rather than an error.
func (o *Orchestrator) ListActive(ctx context.Context) []string {
	ids, err := o.store.ListKeys(ctx)
	if err != nil {
		o.metrics.RecordStoreOp("list", "error")
		o.logger.Warn("session enumeration failed", "error", err)
		return []string{}
	}
	o.metrics.RecordStoreOp("list", "ok")
	if ids == nil {
		ids = []string{}
	}
	return ids
}
