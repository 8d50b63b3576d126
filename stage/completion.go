package stage

import (
	"context"
	"sync"
)

// Completion is a write-once outcome. The first resolution wins; later ones
// are ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(err error) (won bool) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		won = true
	})
	return won
}

// Done is closed once the completion is resolved.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Resolved reports whether the outcome is known.
func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the failure, or nil on success or while unresolved.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the completion resolves or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
