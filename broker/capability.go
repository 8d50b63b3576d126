package broker

import "fmt"

// Capability describes which directions an entity supports.
type Capability uint8

const (
	ReceiveCapable Capability = 1 << iota
	SendCapable

	Both = ReceiveCapable | SendCapable
)

func (c Capability) String() string {
	switch c {
	case ReceiveCapable:
		return "receive"
	case SendCapable:
		return "send"
	case Both:
		return "receive+send"
	default:
		return "none"
	}
}

// CanReceive reports whether c includes the receive direction.
func (c Capability) CanReceive() bool { return c&ReceiveCapable != 0 }

// CanSend reports whether c includes the send direction.
func (c Capability) CanSend() bool { return c&SendCapable != 0 }

// CapabilitiesOf inspects an adapter and reports the directions it implements.
func CapabilitiesOf(entity any) Capability {
	var c Capability
	if _, ok := entity.(Receiver); ok {
		c |= ReceiveCapable
	}
	if _, ok := entity.(Sender); ok {
		c |= SendCapable
	}
	return c
}

// UnsupportedError names the entity and the direction that was requested.
type UnsupportedError struct {
	Entity string
	Op     string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: %s does not support %s", ErrUnsupported, e.Entity, e.Op)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }

// AsReceiver returns entity as a Receiver or an *UnsupportedError. Stages call
// it when their adapter is only known at runtime (config driven wiring) so a
// send-only entity is rejected at construction time rather than on first poll.
func AsReceiver(name string, entity any) (Receiver, error) {
	r, ok := entity.(Receiver)
	if !ok || r == nil {
		return nil, &UnsupportedError{Entity: name, Op: "receive"}
	}
	return r, nil
}

// AsSender is the send-direction counterpart of AsReceiver.
func AsSender(name string, entity any) (Sender, error) {
	s, ok := entity.(Sender)
	if !ok || s == nil {
		return nil, &UnsupportedError{Entity: name, Op: "send"}
	}
	return s, nil
}
