package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupported is returned when an entity is asked for a direction it cannot serve.
	ErrUnsupported = errors.New("unsupported broker operation")

	// ErrNotSettleable is returned by Complete/Abandon on messages that carry no
	// settlement handle (e.g. messages built by hand in tests).
	ErrNotSettleable = errors.New("message has no settlement handle")
)

// Message is one unit delivered by a broker.
//
// It is a value type and is never mutated after the adapter builds it. The
// settlement handle ties it back to the entity that delivered it so it can be
// completed or abandoned out of band.
type Message struct {
	ID         string
	Body       []byte
	Attributes map[string]string

	// Handle is the broker specific token used for settlement (SQS receipt
	// handle, Redis stream entry ID, ...).
	Handle string
	// Entity names where the message came from (queue URL, stream key, ...).
	Entity string

	settler Settler
}

// Settler completes or abandons messages on behalf of the entity that
// delivered them.
type Settler interface {
	Complete(ctx context.Context, m Message) error
	Abandon(ctx context.Context, m Message) error
}

// NewMessage builds a Message bound to a Settler. Adapters use it; callers
// normally only read messages.
func NewMessage(id string, body []byte, attrs map[string]string, handle, entity string, s Settler) Message {
	return Message{
		ID:         id,
		Body:       body,
		Attributes: attrs,
		Handle:     handle,
		Entity:     entity,
		settler:    s,
	}
}

// Complete marks the message as consumed.
func (m Message) Complete(ctx context.Context) error {
	if m.settler == nil {
		return ErrNotSettleable
	}
	return m.settler.Complete(ctx, m)
}

// Abandon releases the message for redelivery.
func (m Message) Abandon(ctx context.Context) error {
	if m.settler == nil {
		return ErrNotSettleable
	}
	return m.settler.Abandon(ctx, m)
}

// OutboundMessage is a payload to be sent to a broker.
type OutboundMessage struct {
	ID         string
	Key        string
	Body       []byte
	Attributes map[string]string
}

// Receiver is an entity that can deliver batches of messages.
//
// ReceiveBatch may return an empty slice and must not block past waitTimeout
// (plus transport overhead).
type Receiver interface {
	ReceiveBatch(ctx context.Context, maxCount int, waitTimeout time.Duration) ([]Message, error)
}

// Sender is an entity that accepts batches of messages.
type Sender interface {
	SendBatch(ctx context.Context, msgs []OutboundMessage) error
}

// SendError reports entries a broker rejected inside an otherwise accepted
// batch call.
type SendError struct {
	Entity string
	Failed []FailedEntry
}

// FailedEntry is one rejected entry of a batch send.
type FailedEntry struct {
	ID      string
	Code    string
	Message string
}

func (e *SendError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("send to %s failed", e.Entity)
	}
	f := e.Failed[0]
	return fmt.Sprintf("send to %s failed for %d entries (first id=%s code=%s message=%s)",
		e.Entity, len(e.Failed), f.ID, f.Code, f.Message)
}
