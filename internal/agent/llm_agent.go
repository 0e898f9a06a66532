package agent

import (
	"context"

	"chatd/internal/llm"
)

// LLMAgent implements Capability on top of a model client. The session
// history is replayed on every turn, which is what makes the stateless
// model appear to remember the conversation.
type LLMAgent struct {
	client      llm.Client
	model       string
	system      string
	maxTokens   int
	temperature *float64
}

// LLMAgentOption configures an LLMAgent.
type LLMAgentOption func(*LLMAgent)

// WithSystemPrompt sets the system prompt prepended to every turn.
func WithSystemPrompt(system string) LLMAgentOption {
	return func(a *LLMAgent) { a.system = system }
}

// WithMaxTokens caps the answer length per turn.
func WithMaxTokens(n int) LLMAgentOption {
	return func(a *LLMAgent) { a.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMAgentOption {
	return func(a *LLMAgent) { a.temperature = &t }
}

// NewLLMAgent creates an agent over the given model client.
func NewLLMAgent(client llm.Client, model string, opts ...LLMAgentOption) *LLMAgent {
	a := &LLMAgent{
		client:    client,
		model:     model,
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewSession returns an empty session for a fresh conversation.
func (a *LLMAgent) NewSession() *Session {
	return NewSession()
}

// DecodeSession parses a stored blob into a session.
func (a *LLMAgent) DecodeSession(blob string) (*Session, error) {
	return DecodeSession(blob)
}

// EncodeSession serializes a session for storage.
func (a *LLMAgent) EncodeSession(s *Session) (string, error) {
	return EncodeSession(s)
}

// Run sends the session history plus the new message to the model and
// returns the answer with the updated session. The input session is left
// untouched so a failed turn persists nothing.
func (a *LLMAgent) Run(ctx context.Context, s *Session, message string) (string, *Session, error) {
	messages := make([]llm.Message, 0, len(s.Messages)+1)
	messages = append(messages, s.Messages...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:       a.model,
		Messages:    messages,
		System:      a.system,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return "", nil, &InvocationError{Err: err}
	}

	updated := s.Clone()
	updated.Messages = append(updated.Messages,
		llm.Message{Role: llm.RoleUser, Content: message},
		llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
	)
	updated.Turns++
	updated.TokensUsed += resp.Usage.Total()

	return resp.Content, updated, nil
}
