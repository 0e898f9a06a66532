package session

import "github.com/google/uuid"

// NewConversationID returns a fresh globally-unique conversation identifier.
func NewConversationID() string {
	return uuid.NewString()
}
