package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatd/internal/agent"
	"chatd/internal/llm"
	"chatd/internal/session"
	"chatd/internal/telemetry"
)

func testLogger() *slog.Logger {
	return telemetry.NewLogger(io.Discard, slog.LevelError)
}

func newTestOrchestrator(store session.Store, client *llm.MockClient) *Orchestrator {
	a := agent.NewLLMAgent(client, "test-model")
	return NewOrchestrator(store, a, WithLogger(testLogger()))
}

// stubCapability lets tests control the Run step while keeping the real
// session codec.
type stubCapability struct {
	run func(ctx context.Context, s *agent.Session, message string) (string, *agent.Session, error)
}

func (c *stubCapability) NewSession() *agent.Session { return agent.NewSession() }

func (c *stubCapability) DecodeSession(blob string) (*agent.Session, error) {
	return agent.DecodeSession(blob)
}

func (c *stubCapability) EncodeSession(s *agent.Session) (string, error) {
	return agent.EncodeSession(s)
}

func (c *stubCapability) Run(ctx context.Context, s *agent.Session, message string) (string, *agent.Session, error) {
	return c.run(ctx, s, message)
}

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	session.Store
	failGet  error
	failSet  error
	failList error
}

func (s *failingStore) Get(ctx context.Context, id string) (string, bool, error) {
	if s.failGet != nil {
		return "", false, s.failGet
	}
	return s.Store.Get(ctx, id)
}

func (s *failingStore) Set(ctx context.Context, id, blob string, ttl time.Duration) error {
	if s.failSet != nil {
		return s.failSet
	}
	return s.Store.Set(ctx, id, blob, ttl)
}

func (s *failingStore) ListKeys(ctx context.Context) ([]string, error) {
	if s.failList != nil {
		return nil, s.failList
	}
	return s.Store.ListKeys(ctx)
}

func TestRespondGeneratesConversationID(t *testing.T) {
	store := session.NewMemoryStore()
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hello"}))
	ctx := context.Background()

	id, answer, err := o.Respond(ctx, "", "hi")
	if err != nil {
		t.Fatalf("Respond returned unexpected error: %v", err)
	}
	if answer != "hello" {
		t.Errorf("answer = %q, want %q", answer, "hello")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated conversation ID %q is not a UUID: %v", id, err)
	}

	// The first completed turn persists an entry under the new ID.
	if _, ok, _ := store.Get(ctx, id); !ok {
		t.Error("no stored session after the first turn")
	}
}

func TestRespondKeepsCallerSuppliedID(t *testing.T) {
	store := session.NewMemoryStore()
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hello"}))
	ctx := context.Background()

	id, _, err := o.Respond(ctx, "caller-chosen", "hi")
	if err != nil {
		t.Fatalf("Respond returned unexpected error: %v", err)
	}
	if id != "caller-chosen" {
		t.Errorf("conversation ID = %q, want %q", id, "caller-chosen")
	}
	if _, ok, _ := store.Get(ctx, "caller-chosen"); !ok {
		t.Error("no stored session under the caller-supplied ID")
	}
}

func TestRespondContinuity(t *testing.T) {
	store := session.NewMemoryStore()
	client := llm.NewMockClient(
		llm.MockResponse{Content: "Hello Alice"},
		llm.MockResponse{Content: "Your name is Alice."},
	)
	o := newTestOrchestrator(store, client)
	ctx := context.Background()

	id, _, err := o.Respond(ctx, "", "My name is Alice")
	if err != nil {
		t.Fatalf("first Respond returned unexpected error: %v", err)
	}

	if _, _, err := o.Respond(ctx, id, "What is my name?"); err != nil {
		t.Fatalf("second Respond returned unexpected error: %v", err)
	}

	calls := client.Calls()
	if len(calls) != 2 {
		t.Fatalf("model received %d calls, want 2", len(calls))
	}

	// The second turn must replay the Alice turn to the model.
	second := calls[1].Messages
	if len(second) != 3 {
		t.Fatalf("second call carried %d messages, want 3", len(second))
	}
	if second[0].Content != "My name is Alice" {
		t.Errorf("second call Messages[0] = %q, want the Alice turn", second[0].Content)
	}
	if second[1].Content != "Hello Alice" {
		t.Errorf("second call Messages[1] = %q, want the first answer", second[1].Content)
	}
}

func TestRespondRecoversFromCorruptSession(t *testing.T) {
	store := session.NewMemoryStore()
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hello"}))
	ctx := context.Background()

	if err := store.Set(ctx, "conv-y", "@@@ not a session @@@", time.Minute); err != nil {
		t.Fatalf("Set returned unexpected error: %v", err)
	}

	id, answer, err := o.Respond(ctx, "conv-y", "hello")
	if err != nil {
		t.Fatalf("Respond should recover from a corrupt blob, got: %v", err)
	}
	if id != "conv-y" {
		t.Errorf("conversation ID = %q, want %q", id, "conv-y")
	}
	if answer != "hello" {
		t.Errorf("answer = %q, want %q", answer, "hello")
	}

	// The corrupt entry was replaced with a valid one.
	blob, ok, _ := store.Get(ctx, "conv-y")
	if !ok {
		t.Fatal("no stored session after recovery")
	}
	sess, err := agent.DecodeSession(blob)
	if err != nil {
		t.Fatalf("replacement blob does not decode: %v", err)
	}
	if sess.Turns != 1 {
		t.Errorf("replacement session Turns = %d, want 1", sess.Turns)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	store := session.NewMemoryStore()
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hi"}))
	ctx := context.Background()

	id, _, err := o.Respond(ctx, "", "hello")
	if err != nil {
		t.Fatalf("Respond returned unexpected error: %v", err)
	}

	if err := o.Reset(ctx, id); err != nil {
		t.Fatalf("Reset returned unexpected error: %v", err)
	}
	if err := o.Reset(ctx, id); err != nil {
		t.Fatalf("second Reset returned unexpected error: %v", err)
	}
	if err := o.Reset(ctx, "never-seen"); err != nil {
		t.Fatalf("Reset of unknown conversation returned unexpected error: %v", err)
	}

	if _, ok, _ := store.Get(ctx, id); ok {
		t.Error("session still present after Reset")
	}
}

func TestAgentFailureLeavesSessionUntouched(t *testing.T) {
	store := session.NewMemoryStore()
	client := llm.NewMockClient(
		llm.MockResponse{Content: "first answer"},
		llm.MockResponse{Error: errors.New("model overloaded")},
	)
	o := newTestOrchestrator(store, client)
	ctx := context.Background()

	id, _, err := o.Respond(ctx, "", "hello")
	if err != nil {
		t.Fatalf("first Respond returned unexpected error: %v", err)
	}
	before, _, _ := store.Get(ctx, id)

	_, _, err = o.Respond(ctx, id, "again")
	if err == nil {
		t.Fatal("Respond should fail when the agent fails")
	}
	var invErr *agent.InvocationError
	if !errors.As(err, &invErr) {
		t.Errorf("error %v does not wrap an InvocationError", err)
	}

	after, ok, _ := store.Get(ctx, id)
	if !ok || after != before {
		t.Error("stored session changed despite the failed turn")
	}
}

func TestSaveFailureFailsTurn(t *testing.T) {
	store := &failingStore{
		Store:   session.NewMemoryStore(),
		failSet: errors.New("connection refused"),
	}
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hello"}))
	ctx := context.Background()

	// The answer was computed, but an unsaved turn would silently break
	// continuity, so the turn fails.
	if _, _, err := o.Respond(ctx, "", "hi"); err == nil {
		t.Fatal("Respond should fail when the save fails")
	}
}

func TestStoreLookupFailurePropagates(t *testing.T) {
	store := &failingStore{
		Store:   session.NewMemoryStore(),
		failGet: errors.New("connection refused"),
	}
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hello"}))
	ctx := context.Background()

	if _, _, err := o.Respond(ctx, "known-id", "hi"); err == nil {
		t.Fatal("Respond should fail when the store lookup fails")
	}
}

func TestCancellationSkipsSave(t *testing.T) {
	store := session.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	capability := &stubCapability{
		run: func(_ context.Context, s *agent.Session, message string) (string, *agent.Session, error) {
			// Client disconnects while the agent is working.
			cancel()
			updated := s.Clone()
			updated.Messages = append(updated.Messages,
				llm.Message{Role: llm.RoleUser, Content: message},
				llm.Message{Role: llm.RoleAssistant, Content: "too late"},
			)
			updated.Turns++
			return "too late", updated, nil
		},
	}
	o := NewOrchestrator(store, capability, WithLogger(testLogger()))

	_, _, err := o.Respond(ctx, "conv-c", "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Respond = %v, want context.Canceled", err)
	}

	// The undelivered turn must not be persisted.
	if _, ok, _ := store.Get(context.Background(), "conv-c"); ok {
		t.Error("session was persisted for a canceled request")
	}
}

// gatedStore blocks every Get until a fixed number of readers have
// arrived, forcing concurrent turns to load the same prior state.
type gatedStore struct {
	session.Store
	readers sync.WaitGroup
}

func (s *gatedStore) Get(ctx context.Context, id string) (string, bool, error) {
	blob, ok, err := s.Store.Get(ctx, id)
	s.readers.Done()
	s.readers.Wait()
	return blob, ok, err
}

func TestConcurrentTurnsLastWriterWins(t *testing.T) {
	store := &gatedStore{Store: session.NewMemoryStore()}
	store.readers.Add(2)
	client := llm.NewMockClient(llm.MockResponse{Content: "answer"})
	o := newTestOrchestrator(store, client)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	for _, msg := range []string{"message A", "message B"} {
		go func() {
			defer wg.Done()
			if _, _, err := o.Respond(ctx, "conv-race", msg); err != nil {
				t.Errorf("Respond(%q) returned unexpected error: %v", msg, err)
			}
		}()
	}
	wg.Wait()

	blob, ok, _ := store.Store.Get(ctx, "conv-race")
	if !ok {
		t.Fatal("no stored session after concurrent turns")
	}
	sess, err := agent.DecodeSession(blob)
	if err != nil {
		t.Fatalf("stored blob does not decode after concurrent turns: %v", err)
	}

	// Both turns read the same empty prior state, so the surviving
	// session holds exactly one of the two updates, never a merge.
	if sess.Turns != 1 {
		t.Fatalf("surviving session Turns = %d, want 1", sess.Turns)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("surviving session has %d messages, want 2", len(sess.Messages))
	}
	got := sess.Messages[0].Content
	if got != "message A" && got != "message B" {
		t.Errorf("surviving user message = %q, want one of the two turns", got)
	}
}

func TestListActive(t *testing.T) {
	store := session.NewMemoryStore()
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hi"}))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, _, err := o.Respond(ctx, "", "hello")
		if err != nil {
			t.Fatalf("Respond returned unexpected error: %v", err)
		}
		ids = append(ids, id)
	}
	if err := o.Reset(ctx, ids[1]); err != nil {
		t.Fatalf("Reset returned unexpected error: %v", err)
	}

	active := o.ListActive(ctx)
	if len(active) != 2 {
		t.Fatalf("ListActive returned %d IDs %v, want 2", len(active), active)
	}
	for _, id := range active {
		if id == ids[1] {
			t.Errorf("ListActive still contains reset conversation %q", id)
		}
	}
}

func TestListActiveFallsBackToEmpty(t *testing.T) {
	store := &failingStore{
		Store:    session.NewMemoryStore(),
		failList: errors.New("scan unsupported"),
	}
	o := newTestOrchestrator(store, llm.NewMockClient(llm.MockResponse{Content: "hi"}))

	active := o.ListActive(context.Background())
	if active == nil {
		t.Fatal("ListActive returned nil, want an empty slice")
	}
	if len(active) != 0 {
		t.Errorf("ListActive = %v, want empty", active)
	}
}

func TestRespondRejectsEmptyMessage(t *testing.T) {
	o := newTestOrchestrator(session.NewMemoryStore(), llm.NewMockClient())

	_, _, err := o.Respond(context.Background(), "", "")
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Respond with empty message = %v, want ErrEmptyMessage", err)
	}
}

func TestRespondAppliesConfiguredTTL(t *testing.T) {
	store := session.NewMemoryStore()
	a := agent.NewLLMAgent(llm.NewMockClient(llm.MockResponse{Content: "hi"}), "test-model")
	o := NewOrchestrator(store, a,
		WithLogger(testLogger()),
		WithSessionTTL(10*time.Millisecond),
	)
	ctx := context.Background()

	id, _, err := o.Respond(ctx, "", "hello")
	if err != nil {
		t.Fatalf("Respond returned unexpected error: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok, _ := store.Get(ctx, id); ok {
		t.Error("session still present after the configured TTL elapsed")
	}
}
