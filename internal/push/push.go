// Package push defines the notification transport contract used by the
// batched dispatcher. Implementations live in subpackages.
package push

import "context"

// ErrCodeUnregistered is reported by the transport when a device token is
// no longer valid and must be pruned from the token store.
const ErrCodeUnregistered = "registration-token-not-registered"

// Message is one notification addressed to a single device token.
type Message struct {
	OwnerID string
	Token   string
	Title   string
	Body    string
	Data    map[string]string
}

// Result is the per-message outcome of a batch send, in message order.
type Result struct {
	Success   bool
	ErrorCode string
}

// Sender delivers a batch of messages and reports one Result per message,
// in the same order. A non-nil error means the whole batch failed before
// any per-message outcome could be determined.
type Sender interface {
	SendBatch(ctx context.Context, msgs []Message) ([]Result, error)
}
