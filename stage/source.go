package stage

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/queue-stages/broker"
	"github.com/baldanca/queue-stages/extractor"
	"github.com/baldanca/queue-stages/supervision"
)

type sourceState uint8

const (
	sourceIdle sourceState = iota
	sourcePolling
	sourceExtracting
	sourceEmptyBackoff
	sourceFaultBackoff
	sourceCompleted
	sourceFailed
)

func (s sourceState) String() string {
	switch s {
	case sourceIdle:
		return "idle"
	case sourcePolling:
		return "polling"
	case sourceExtracting:
		return "extracting"
	case sourceEmptyBackoff:
		return "empty-backoff"
	case sourceFaultBackoff:
		return "fault-backoff"
	case sourceCompleted:
		return "completed"
	case sourceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type pullRequest[T any] struct {
	reply chan pullReply[T]
}

type pullReply[T any] struct {
	items []T
	err   error
}

type withdrawal[T any] struct {
	req       *pullRequest[T]
	withdrawn chan bool
}

// PollingSource turns a broker.Receiver into a demand-driven stream of
// extracted values. A receive is only issued while a Pull is waiting, never
// more than one at a time, and an empty receive pauses polling for
// PollInterval. Each non-empty batch is extracted in full and handed to one
// Pull, in broker order.
type PollingSource[T any] struct {
	client  broker.Receiver
	extract extractor.Extractor[T]
	decider supervision.Decider
	cfg     SourceConfig
	opts    options
	log     logrus.FieldLogger

	pulls     chan *pullRequest[T]
	withdraws chan withdrawal[T]
	received  chan result[[]broker.Message]
	extracted chan result[[]T]

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	err        error

	// owned by the loop goroutine
	state    sourceState
	call     pendingCall
	timer    retryTimer
	waiter   *pullRequest[T]
	ready    []T
	failures int
}

// NewPollingSource starts a source bound to ctx. Cancelling ctx completes the
// source the same way Cancel does.
func NewPollingSource[T any](ctx context.Context, client broker.Receiver, ext extractor.Extractor[T], decider supervision.Decider, cfg SourceConfig, opts ...Option) (*PollingSource[T], error) {
	if client == nil || ext == nil || decider == nil {
		return nil, errNilDependency
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	if o.backoff == nil {
		o.backoff = Fixed(cfg.PollInterval)
	}

	s := &PollingSource[T]{
		client:    client,
		extract:   ext,
		decider:   decider,
		cfg:       cfg,
		opts:      o,
		log:       o.log.WithFields(logrus.Fields{"stage": cfg.Name, "kind": "source"}),
		pulls:     make(chan *pullRequest[T]),
		withdraws: make(chan withdrawal[T]),
		received:  make(chan result[[]broker.Message]),
		extracted: make(chan result[[]T]),
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.timer.clock = o.clock
	go s.run(ctx)
	return s, nil
}

// Pull blocks until the next non-empty batch is available. If ctx ends first
// the demand is withdrawn; a batch received afterwards is kept for the next
// Pull. Once the source has stopped Pull returns the failure, or
// ErrSourceClosed after cancellation.
func (s *PollingSource[T]) Pull(ctx context.Context) ([]T, error) {
	req := &pullRequest[T]{reply: make(chan pullReply[T], 1)}
	select {
	case s.pulls <- req:
	case <-s.done:
		return nil, s.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.items, r.err
	case <-ctx.Done():
	}

	w := withdrawal[T]{req: req, withdrawn: make(chan bool, 1)}
	select {
	case s.withdraws <- w:
		if <-w.withdrawn {
			return nil, ctx.Err()
		}
	case <-s.done:
	}
	// The loop answered req before giving it up.
	r := <-req.reply
	return r.items, r.err
}

// Cancel stops the source. Any outstanding receive is cancelled and its
// result discarded.
func (s *PollingSource[T]) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// Close cancels the source and waits for outstanding broker calls to return.
func (s *PollingSource[T]) Close(ctx context.Context) error {
	s.Cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.call.wait(ctx)
}

// Done is closed once the source has stopped.
func (s *PollingSource[T]) Done() <-chan struct{} { return s.done }

// Err returns the failure that stopped the source, or nil.
func (s *PollingSource[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *PollingSource[T]) terminalErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrSourceClosed
}

func (s *PollingSource[T]) run(ctx context.Context) {
	err := s.loop(ctx)

	s.timer.disarm()
	s.call.detach()
	s.ready = nil
	if err != nil {
		s.state = sourceFailed
		s.log.WithError(err).Error("source failed")
	} else {
		s.state = sourceCompleted
		s.log.Debug("source completed")
	}
	s.err = err
	if s.waiter != nil {
		s.waiter.reply <- pullReply[T]{err: s.terminalErr()}
		s.waiter = nil
	}
	close(s.done)
}

func (s *PollingSource[T]) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.cancel:
			return nil
		case req := <-s.pulls:
			s.onPull(ctx, req)
		case w := <-s.withdraws:
			s.onWithdraw(w)
		case r := <-s.received:
			if err := s.onReceived(r); err != nil {
				return err
			}
		case r := <-s.extracted:
			if err := s.onExtracted(r); err != nil {
				return err
			}
		case <-s.timer.C():
			s.timer.fired()
			s.state = sourceIdle
			if s.waiter != nil {
				s.poll(ctx)
			}
		}
	}
}

func (s *PollingSource[T]) onPull(ctx context.Context, req *pullRequest[T]) {
	if s.waiter != nil {
		req.reply <- pullReply[T]{err: ErrConcurrentPull}
		return
	}
	if len(s.ready) > 0 {
		req.reply <- pullReply[T]{items: s.ready}
		s.ready = nil
		return
	}
	s.waiter = req
	if !s.call.active && !s.timer.armed() {
		s.poll(ctx)
	}
}

func (s *PollingSource[T]) onWithdraw(w withdrawal[T]) {
	if s.waiter == w.req {
		s.waiter = nil
		w.withdrawn <- true
		return
	}
	w.withdrawn <- false
}

func (s *PollingSource[T]) poll(ctx context.Context) {
	callCtx, seq := s.call.begin(ctx)
	s.state = sourcePolling

	name, m := s.cfg.Name, s.opts.metrics
	limit, wait := s.cfg.MaxMessageCount, s.cfg.ServerWaitTime
	launch(&s.call, callCtx, seq, s.done, s.received, func(ctx context.Context) ([]broker.Message, error) {
		m.callStarted(name)
		defer m.callFinished(name)
		return s.client.ReceiveBatch(ctx, limit, wait)
	})
}

func (s *PollingSource[T]) onReceived(r result[[]broker.Message]) error {
	if !s.call.owns(r.seq) {
		return nil
	}

	if r.err != nil {
		s.call.end()
		s.opts.metrics.receive(s.cfg.Name, "error", 0)
		return s.onFailure(r.err)
	}
	s.failures = 0

	if len(r.val) == 0 {
		s.call.end()
		s.opts.metrics.receive(s.cfg.Name, "empty", 0)
		s.state = sourceEmptyBackoff
		s.timer.arm(s.cfg.PollInterval)
		s.log.WithField("poll_interval", s.cfg.PollInterval).Trace("empty receive")
		return nil
	}

	s.opts.metrics.receive(s.cfg.Name, "messages", len(r.val))
	s.log.WithField("count", len(r.val)).Debug("received batch")
	s.state = sourceExtracting

	msgs := r.val
	launch(&s.call, s.call.ctx, r.seq, s.done, s.extracted, func(ctx context.Context) ([]T, error) {
		return s.extractAll(ctx, msgs)
	})
	return nil
}

func (s *PollingSource[T]) onFailure(err error) error {
	d := s.decider.Decide(err)
	s.opts.metrics.decision(s.cfg.Name, d.String())
	log := s.log.WithError(err).WithField("directive", d.String())

	if d == supervision.Stop {
		log.Error("receive failed")
		return err
	}

	s.failures++
	delay, ok := s.opts.backoff.Next(s.failures)
	if !ok {
		log.WithField("attempt", s.failures).Error("receive retries exhausted")
		return err
	}
	log.WithFields(logrus.Fields{"attempt": s.failures, "delay": delay}).Warn("receive failed, retrying")
	s.state = sourceFaultBackoff
	s.timer.arm(delay)
	return nil
}

func (s *PollingSource[T]) onExtracted(r result[[]T]) error {
	if !s.call.owns(r.seq) {
		return nil
	}
	s.call.end()
	if r.err != nil {
		return r.err
	}

	s.state = sourceIdle
	if s.waiter != nil {
		s.waiter.reply <- pullReply[T]{items: r.val}
		s.waiter = nil
		return nil
	}
	s.ready = r.val
	return nil
}

func (s *PollingSource[T]) extractAll(ctx context.Context, msgs []broker.Message) ([]T, error) {
	out := make([]T, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ExtractParallelism)
	for i := range msgs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := protect(gctx, "extractor", func(ctx context.Context) (T, error) {
				return s.extract.Extract(ctx, msgs[i])
			})
			if err != nil {
				s.log.WithError(err).WithField("message_id", msgs[i].ID).Error("extract failed")
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
