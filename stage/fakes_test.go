package stage

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/baldanca/queue-stages/broker"
)

const waitLimit = 2 * time.Second

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
	armed  chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{armed: make(chan *fakeTimer, 64)}
}

func (c *fakeClock) NewTimer(d time.Duration) timer {
	t := &fakeTimer{d: d, c: make(chan time.Time, 1)}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	c.armed <- t
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// next waits for the stage to arm a timer.
func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-c.armed:
		return tm
	case <-time.After(waitLimit):
		t.Fatalf("no timer armed")
		return nil
	}
}

type fakeTimer struct {
	d       time.Duration
	c       chan time.Time
	stopped atomic.Bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }
func (t *fakeTimer) Stop() bool          { return !t.stopped.Swap(true) }
func (t *fakeTimer) fire()               { t.c <- time.Time{} }

type receiveResult struct {
	msgs []broker.Message
	err  error
}

// fakeReceiver replays script in order and then keeps returning empty
// batches. With a gate every call blocks until the gate is closed or its
// context ends.
type fakeReceiver struct {
	mu       sync.Mutex
	script   []receiveResult
	calls    int
	lastMax  int
	lastWait time.Duration

	gate    chan struct{}
	started chan struct{}

	inflight atomic.Int32
	overlaps atomic.Int32
}

func (f *fakeReceiver) ReceiveBatch(ctx context.Context, maxCount int, wait time.Duration) ([]broker.Message, error) {
	if f.inflight.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	f.calls++
	f.lastMax, f.lastWait = maxCount, wait
	var r receiveResult
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	gate := f.gate
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.msgs, r.err
}

func (f *fakeReceiver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func msgs(bodies ...string) []broker.Message {
	out := make([]broker.Message, len(bodies))
	for i, b := range bodies {
		out[i] = broker.Message{ID: b, Body: []byte(b)}
	}
	return out
}

// fakeSender records every batch it is given. errs holds the result of each
// call in order; calls beyond it succeed.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]broker.OutboundMessage
	errs    []error

	gate      chan struct{}
	ignoreCtx bool
	started   chan struct{}

	inflight atomic.Int32
	overlaps atomic.Int32
}

func (f *fakeSender) SendBatch(ctx context.Context, batch []broker.OutboundMessage) error {
	if f.inflight.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	f.batches = append(f.batches, batch)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	gate := f.gate
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if gate != nil {
		if f.ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func (f *fakeSender) sent() [][]broker.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]broker.OutboundMessage(nil), f.batches...)
}

func outbound(ids ...string) []broker.OutboundMessage {
	out := make([]broker.OutboundMessage, len(ids))
	for i, id := range ids {
		out[i] = broker.OutboundMessage{ID: id, Body: []byte(id)}
	}
	return out
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitLimit):
		t.Fatalf("timed out waiting for %s", what)
	}
}
