// Package turn defines the event model for agent turns. Every discrete
// output produced inside a session (agent text, structured output, tool
// call, tool response) is represented as an immutable Event carrying a
// deterministic idempotency key.
package turn

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Kind classifies a turn event.
type Kind string

const (
	KindText             Kind = "text"
	KindToolCall         Kind = "tool_call"
	KindToolResponse     Kind = "tool_response"
	KindStructuredOutput Kind = "structured_output_ready"
)

// Status values carried on tool_response events.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is one discrete turn observed in a session. Events are never
// mutated after creation; the UIHidden tag is the one field set by the
// derivation engine before the event is published downstream.
type Event struct {
	ChatID    string         `json:"chat_id"`
	Workflow  string         `json:"workflow,omitempty"`
	AgentName string         `json:"agent_name"`
	Key       string         `json:"turn_idempotency_key"`
	Kind      Kind           `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Shape     string         `json:"shape,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Status    string         `json:"status,omitempty"`
	Success   bool           `json:"success,omitempty"`
	UIHidden  bool           `json:"ui_hidden,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Key composes a deterministic turn idempotency key from the chat, agent,
// turn counter and a short content hash. The same inputs always produce
// the same key, so a re-delivered turn collides with its first delivery.
func Key(chatID, agent string, counter int, content string) string {
	h := fnv.New32a()
	h.Write([]byte(content))
	return fmt.Sprintf("%s:%s:%d:%08x", chatID, agent, counter, h.Sum32())
}

// Sink receives events published by the engine for delivery to the UI and
// durable storage. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ev *Event) error
}

// NopSink discards every event. Useful as a default and in tests that do
// not assert on the outbound stream.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(*Event) error { return nil }
