// Package agent runs reply generation against a configured language-model
// provider and streams the result back as deltas.
package agent

import (
	"context"
	"fmt"
)

// Role values used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior turn of conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one generation call.
type Request struct {
	System  string
	History []Message
	Input   string

	// SessionToken resumes a provider-side session when the provider
	// supports it. Empty starts a fresh session.
	SessionToken string
}

// EventType discriminates streamed generation events.
type EventType string

const (
	EventDelta EventType = "delta"
	EventFinal EventType = "final"
	EventError EventType = "error"
)

// Event is one streamed generation event. Delta carries an incremental text
// chunk; Final carries the complete reply and an optional resumption token;
// Error terminates the stream.
type Event struct {
	Type         EventType
	Content      string
	SessionToken string
	Err          error
}

// Runner produces a streamed reply for one request. The returned channel is
// closed after a final or error event.
type Runner interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// Selector picks a Runner by provider name.
type Selector struct {
	runners map[string]Runner
}

// NewSelector builds a Selector over the given named runners.
func NewSelector(runners map[string]Runner) *Selector {
	return &Selector{runners: runners}
}

// Runner returns the runner registered under the provider name.
func (s *Selector) Runner(provider string) (Runner, error) {
	r, ok := s.runners[provider]
	if !ok || r == nil {
		return nil, fmt.Errorf("unknown agent provider: %s", provider)
	}
	return r, nil
}
