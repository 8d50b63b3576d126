package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue supporting both directions. Received
// messages stay in flight until completed; abandoned ones go back to the head.
// It is meant for examples and tests.
type MemoryQueue struct {
	name string

	mu       sync.Mutex
	ready    []Message
	inflight map[string]Message
	seq      int
	notify   chan struct{}
}

var (
	_ Receiver = (*MemoryQueue)(nil)
	_ Sender   = (*MemoryQueue)(nil)
	_ Settler  = (*MemoryQueue)(nil)
)

func NewMemoryQueue(name string) *MemoryQueue {
	return &MemoryQueue{
		name:     name,
		inflight: make(map[string]Message),
		notify:   make(chan struct{}),
	}
}

func (q *MemoryQueue) SendBatch(ctx context.Context, msgs []OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	for _, m := range msgs {
		q.seq++
		id := m.ID
		if id == "" {
			id = strconv.Itoa(q.seq)
		}
		q.ready = append(q.ready, NewMessage(id, m.Body, m.Attributes, strconv.Itoa(q.seq), q.name, q))
	}
	q.wakeLocked()
	q.mu.Unlock()
	return nil
}

// ReceiveBatch returns up to maxCount ready messages, waiting up to
// waitTimeout for the first one.
func (q *MemoryQueue) ReceiveBatch(ctx context.Context, maxCount int, waitTimeout time.Duration) ([]Message, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			n := min(maxCount, len(q.ready))
			out := make([]Message, n)
			copy(out, q.ready[:n])
			q.ready = q.ready[n:]
			for _, m := range out {
				q.inflight[m.Handle] = m
			}
			q.mu.Unlock()
			return out, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Complete(_ context.Context, m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[m.Handle]; !ok {
		return ErrNotSettleable
	}
	delete(q.inflight, m.Handle)
	return nil
}

func (q *MemoryQueue) Abandon(_ context.Context, m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[m.Handle]; !ok {
		return ErrNotSettleable
	}
	delete(q.inflight, m.Handle)
	q.ready = append([]Message{m}, q.ready...)
	q.wakeLocked()
	return nil
}

// Len reports ready and in-flight message counts.
func (q *MemoryQueue) Len() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}

func (q *MemoryQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
