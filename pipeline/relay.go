// Package pipeline connects a polling source to a batching sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/baldanca/queue-stages/batcher"
	"github.com/baldanca/queue-stages/broker"
	"github.com/baldanca/queue-stages/stage"
)

// Source is the pull side of a relay. *stage.PollingSource implements it.
type Source[T any] interface {
	Pull(ctx context.Context) ([]T, error)
	Close(ctx context.Context) error
}

// Sink is the push side of a relay. *stage.BatchingSink implements it.
type Sink interface {
	Push(ctx context.Context, batch []broker.OutboundMessage) error
	Complete()
	Fail(err error)
	Completion() *stage.Completion
}

// MapFunc turns a pulled value into the message sent downstream.
type MapFunc[T any] func(ctx context.Context, v T) (broker.OutboundMessage, error)

// Passthrough forwards outbound messages unchanged.
func Passthrough(_ context.Context, m broker.OutboundMessage) (broker.OutboundMessage, error) {
	return m, nil
}

type Option func(*relayOptions)

type relayOptions struct {
	log         logrus.FieldLogger
	stopTimeout time.Duration
	now         func() time.Time
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *relayOptions) { o.log = l }
}

// WithStopTimeout bounds the final flush and the wait for the sink on stop.
func WithStopTimeout(d time.Duration) Option {
	return func(o *relayOptions) { o.stopTimeout = d }
}

// Relay pulls values from a Source, maps them and pushes them to a Sink in
// batches bounded by a batcher.
//
// The sink should not be bound to the context passed to Run: on
// cancellation Run still flushes the buffered messages into it.
type Relay[T any] struct {
	source  Source[T]
	sink    Sink
	mapFn   MapFunc[T]
	batcher *batcher.Batcher[broker.OutboundMessage]
	opts    relayOptions

	// flushed but not yet accepted by the sink
	pending []broker.OutboundMessage
}

func NewRelay[T any](src Source[T], sink Sink, mapFn MapFunc[T], cfg batcher.BatcherConfig, opts ...Option) (*Relay[T], error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	if mapFn == nil {
		return nil, fmt.Errorf("map func is nil")
	}

	b, err := batcher.NewBatcher[broker.OutboundMessage](cfg)
	if err != nil {
		return nil, err
	}

	o := relayOptions{
		log:         logrus.StandardLogger(),
		stopTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Relay[T]{source: src, sink: sink, mapFn: mapFn, batcher: b, opts: o}, nil
}

// Run relays until ctx is cancelled, the source stops or either side fails.
// Cancellation and a closed source drain the batcher and complete the sink;
// Run then returns the sink's outcome. A source failure is forwarded to the
// sink and returned.
func (r *Relay[T]) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.sink.Completion().Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		if runCtx.Err() != nil {
			return r.interrupted(ctx)
		}

		pullCtx := runCtx
		var pullCancel context.CancelFunc
		if deadline, ok := r.batcher.Deadline(); ok {
			pullCtx, pullCancel = context.WithDeadline(runCtx, deadline)
		}
		items, err := r.source.Pull(pullCtx)
		if pullCancel != nil {
			pullCancel()
		}

		if err != nil {
			switch {
			case runCtx.Err() != nil:
				return r.interrupted(ctx)
			case errors.Is(err, context.DeadlineExceeded):
				if err := r.flush(runCtx); err != nil {
					return r.flushFailed(ctx, runCtx, err)
				}
				continue
			case errors.Is(err, stage.ErrSourceClosed):
				r.opts.log.Info("source closed, draining")
				return r.stop(ctx)
			default:
				return r.abort(ctx, err)
			}
		}

		for _, v := range items {
			out, err := r.mapFn(runCtx, v)
			if err != nil {
				return r.abort(ctx, fmt.Errorf("map: %w", err))
			}
			if r.batcher.Add(r.opts.now(), out, estimateSize(out)) {
				if err := r.flush(runCtx); err != nil {
					return r.flushFailed(ctx, runCtx, err)
				}
			}
		}
		if r.batcher.ShouldFlushTime(r.opts.now()) {
			if err := r.flush(runCtx); err != nil {
				return r.flushFailed(ctx, runCtx, err)
			}
		}
	}
}

// flush pushes the pending batch, or the buffered one when nothing is
// pending. A batch the sink did not accept stays pending.
func (r *Relay[T]) flush(ctx context.Context) error {
	if r.pending == nil {
		if r.batcher.Len() == 0 {
			return nil
		}
		batch := r.batcher.Flush()
		r.opts.log.WithFields(logrus.Fields{"count": len(batch.Items), "bytes": batch.Bytes}).Debug("flushing batch")
		r.pending = batch.Items
	}
	if err := r.sink.Push(ctx, r.pending); err != nil {
		return err
	}
	r.pending = nil
	return nil
}

func (r *Relay[T]) drain(ctx context.Context) error {
	for r.pending != nil || r.batcher.Len() > 0 {
		if err := r.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// interrupted handles runCtx ending: either the caller cancelled, or the
// sink resolved on its own.
func (r *Relay[T]) interrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return r.stop(ctx)
	}
	err := r.sink.Completion().Err()
	if err == nil {
		err = stage.ErrSinkClosed
	}
	r.opts.log.WithError(err).Error("sink stopped")
	r.closeSource(ctx)
	return err
}

// stop drains the batcher and completes the sink. Cancellation of ctx is
// ignored but the whole stop is bounded by the stop timeout.
func (r *Relay[T]) stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.stopTimeout)
	defer cancel()

	if err := r.drain(stopCtx); err != nil {
		r.sink.Fail(err)
		r.closeSource(ctx)
		return err
	}
	r.sink.Complete()
	err := r.sink.Completion().Wait(stopCtx)
	r.closeSource(ctx)
	return err
}

func (r *Relay[T]) flushFailed(ctx, runCtx context.Context, err error) error {
	if runCtx.Err() != nil {
		return r.interrupted(ctx)
	}
	return r.abort(ctx, err)
}

func (r *Relay[T]) abort(ctx context.Context, err error) error {
	r.opts.log.WithError(err).Error("relay failed")
	r.sink.Fail(err)
	r.closeSource(ctx)
	return err
}

func (r *Relay[T]) closeSource(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.stopTimeout)
	defer cancel()
	if err := r.source.Close(closeCtx); err != nil {
		r.opts.log.WithError(err).Warn("source did not close in time")
	}
}

func estimateSize(m broker.OutboundMessage) int64 {
	n := len(m.ID) + len(m.Key) + len(m.Body)
	for k, v := range m.Attributes {
		n += len(k) + len(v)
	}
	return int64(n)
}
