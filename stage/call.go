package stage

import (
	"context"
	"fmt"
	"sync"
)

// result is what a broker call goroutine posts back to its stage loop. seq
// identifies the call so results of detached calls can be told apart.
type result[R any] struct {
	seq uint64
	val R
	err error
}

// pendingCall tracks the single outstanding broker call of a stage. It is
// owned by the loop goroutine; only wg is touched from elsewhere.
type pendingCall struct {
	seq    uint64
	active bool
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func (p *pendingCall) begin(parent context.Context) (context.Context, uint64) {
	if p.active {
		panic("stage: broker call issued while another is outstanding")
	}
	p.seq++
	p.ctx, p.cancel = context.WithCancel(parent)
	p.active = true
	return p.ctx, p.seq
}

// owns reports whether a result tagged seq belongs to the outstanding call.
func (p *pendingCall) owns(seq uint64) bool {
	return p.active && p.seq == seq
}

func (p *pendingCall) end() {
	if p.cancel != nil {
		p.cancel()
	}
	p.active, p.ctx, p.cancel = false, nil, nil
}

// detach cancels the outstanding call, if any, and makes sure its result is
// discarded should it still arrive.
func (p *pendingCall) detach() {
	p.end()
	p.seq++
}

// wait blocks until every goroutine started through launch has returned.
func (p *pendingCall) wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch runs fn on its own goroutine and posts the outcome to out. Once stop
// is closed the result is dropped instead of blocking forever.
func launch[R any](p *pendingCall, ctx context.Context, seq uint64, stop <-chan struct{}, out chan<- result[R], fn func(context.Context) (R, error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		v, err := protect(ctx, "broker call", fn)
		select {
		case out <- result[R]{seq: seq, val: v, err: err}:
		case <-stop:
		}
	}()
}

// protect turns a panic in fn into an error naming what panicked.
func protect[R any](ctx context.Context, what string, fn func(context.Context) (R, error)) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage: %s panicked: %v", what, r)
		}
	}()
	return fn(ctx)
}
