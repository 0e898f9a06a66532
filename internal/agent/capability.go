// Package agent defines the reasoning capability invoked once per
// conversation turn, together with the session state it consumes and
// produces. The capability is stateless between turns: everything it needs
// to continue a conversation travels in the Session.
package agent

import (
	"context"
)

// Capability is the boundary to the reasoning component. Implementations
// own all reasoning; callers treat sessions as opaque state threaded
// between Run calls.
type Capability interface {
	// NewSession returns an empty session for a fresh conversation.
	NewSession() *Session

	// DecodeSession parses a stored blob into a session, failing with
	// ErrCorruptSession when the blob is malformed.
	DecodeSession(blob string) (*Session, error)

	// EncodeSession serializes a session for storage.
	EncodeSession(s *Session) (string, error)

	// Run produces an answer to message given the conversation so far.
	// It returns the updated session and leaves the input session
	// unmodified; on failure no updated session is produced and the
	// error matches InvocationError.
	Run(ctx context.Context, s *Session, message string) (answer string, updated *Session, err error)
}

// InvocationError reports that the reasoning component failed to produce
// an answer (transport or model failure). The session is unchanged.
type InvocationError struct {
	Err error
}

func (e *InvocationError) Error() string {
	return "agent invocation: " + e.Err.Error()
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
