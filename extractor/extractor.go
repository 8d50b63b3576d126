// Package extractor converts received broker messages into stage output values.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/baldanca/queue-stages/broker"
)

// Extractor converts one received message into a value.
//
// It may have side effects such as completing the message. The polling
// source invokes it once per message, off the stage goroutine.
type Extractor[O any] interface {
	Extract(ctx context.Context, m broker.Message) (O, error)
}

// Func adapts a function to Extractor.
type Func[O any] func(ctx context.Context, m broker.Message) (O, error)

func (f Func[O]) Extract(ctx context.Context, m broker.Message) (O, error) { return f(ctx, m) }

// Identity passes the message through untouched.
func Identity() Extractor[broker.Message] {
	return Func[broker.Message](func(_ context.Context, m broker.Message) (broker.Message, error) {
		return m, nil
	})
}

// Body returns the raw message body.
func Body() Extractor[[]byte] {
	return Func[[]byte](func(_ context.Context, m broker.Message) ([]byte, error) {
		return m.Body, nil
	})
}

// JSON decodes the body into a fresh O.
func JSON[O any]() Extractor[O] {
	return Func[O](func(_ context.Context, m broker.Message) (O, error) {
		var out O
		if err := json.Unmarshal(m.Body, &out); err != nil {
			return out, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		return out, nil
	})
}

// Forward turns a received message into an outbound one with the same ID,
// body and attributes. keyAttr, if set, names the attribute used as the key.
func Forward(keyAttr string) Extractor[broker.OutboundMessage] {
	return Func[broker.OutboundMessage](func(_ context.Context, m broker.Message) (broker.OutboundMessage, error) {
		out := broker.OutboundMessage{ID: m.ID, Body: m.Body, Attributes: m.Attributes}
		if keyAttr != "" {
			out.Key = m.Attributes[keyAttr]
		}
		return out, nil
	})
}

// Completing runs inner and completes the message once inner succeeded.
// A completion failure fails the extraction.
func Completing[O any](inner Extractor[O]) Extractor[O] {
	return Func[O](func(ctx context.Context, m broker.Message) (O, error) {
		out, err := inner.Extract(ctx, m)
		if err != nil {
			return out, err
		}
		if err := m.Complete(ctx); err != nil {
			var zero O
			return zero, fmt.Errorf("complete message %s: %w", m.ID, err)
		}
		return out, nil
	})
}
