package audit

import (
	"time"
)

// Action represents the kind of queue mutation being audited.
type Action string

const (
	ActionEnqueue Action = "enqueue"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionMove    Action = "move"
	ActionClear   Action = "clear"
	ActionImport  Action = "import"
)

// Result represents the outcome of the action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is a single audit record. Events are chained: each one carries
// the hash of its predecessor, so edits to the trail are detectable.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       Action         `json:"action"`
	Result       Result         `json:"result"`
	Queue        string         `json:"queue,omitempty"`
	MessageIDs   []string       `json:"message_ids,omitempty"`
	Count        int            `json:"count,omitempty"`
	SourceIP     string         `json:"source_ip,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// PreviousHash is the hash of the previous event in the chain.
	PreviousHash string `json:"previous_hash,omitempty"`
	// Hash is the hash of the current event (including PreviousHash).
	Hash string `json:"hash,omitempty"`
}
