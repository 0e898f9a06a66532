package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatd/internal/llm"
)

// SchemaVersion is the current session blob layout version. Blobs written
// with a different version do not decode.
const SchemaVersion = 1

// ErrCorruptSession reports that a stored blob could not be decoded into a
// valid session. It is an expected, recoverable condition: callers match it
// with errors.Is and start a fresh session.
var ErrCorruptSession = errors.New("corrupt session blob")

// Session is the accumulated conversation state the agent needs to continue
// a dialogue: the message history plus bookkeeping. It round-trips through
// EncodeSession/DecodeSession between requests.
type Session struct {
	Version    int           `json:"version"`
	CreatedAt  time.Time     `json:"created_at"`
	Turns      int           `json:"turns"`
	TokensUsed int           `json:"tokens_used"`
	Messages   []llm.Message `json:"messages"`
}

// NewSession returns an empty session stamped with the current schema
// version.
func NewSession() *Session {
	return &Session{
		Version:   SchemaVersion,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.Messages = append([]llm.Message(nil), s.Messages...)
	return &out
}

// EncodeSession serializes a session to its storable text form. It does not
// fail for any session produced by NewSession or DecodeSession.
func EncodeSession(s *Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return string(data), nil
}

// DecodeSession parses a stored blob back into a session. Malformed or
// structurally incompatible blobs fail with ErrCorruptSession; a blob never
// decodes partially.
func DecodeSession(blob string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if s.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrCorruptSession, s.Version, SchemaVersion)
	}
	for i, m := range s.Messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			return nil, fmt.Errorf("%w: message %d has role %q", ErrCorruptSession, i, m.Role)
		}
	}
	return &s, nil
}
