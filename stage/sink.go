package stage

import (
	"context"
	"errors"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/baldanca/queue-stages/broker"
	"github.com/baldanca/queue-stages/supervision"
)

type sinkState uint8

const (
	sinkAwaiting sinkState = iota
	sinkSending
	sinkRetryBackoff
	sinkCompleted
	sinkFailed
)

func (s sinkState) String() string {
	switch s {
	case sinkAwaiting:
		return "awaiting"
	case sinkSending:
		return "sending"
	case sinkRetryBackoff:
		return "retry-backoff"
	case sinkCompleted:
		return "completed"
	case sinkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// errUpstreamFailed stands in for a nil error passed to Fail.
var errUpstreamFailed = errors.New("stage: upstream failed")

type upstreamSignal struct {
	err error
}

// BatchingSink sends upstream batches to a broker.Sender one at a time. A new
// batch is accepted only after the previous one was sent, retried to
// success, or dropped, so Push blocks while a send is in flight.
//
// Completion resolves once: with nil after upstream completed and the last
// send finished, or with the error that stopped the sink.
type BatchingSink struct {
	client  broker.Sender
	decider supervision.Decider
	cfg     SinkConfig
	opts    options
	log     logrus.FieldLogger

	batches    chan []broker.OutboundMessage
	upstream   chan upstreamSignal
	sent       chan result[struct{}]
	completion *Completion
	done       chan struct{}
	err        error

	// owned by the loop goroutine
	state        sinkState
	call         pendingCall
	timer        retryTimer
	current      []broker.OutboundMessage
	attempts     int
	upstreamDone bool
}

// NewBatchingSink starts a sink bound to ctx. Cancelling ctx fails the sink
// with ctx.Err().
func NewBatchingSink(ctx context.Context, client broker.Sender, decider supervision.Decider, cfg SinkConfig, opts ...Option) (*BatchingSink, error) {
	if client == nil || decider == nil {
		return nil, errNilDependency
	}
	o := buildOptions(opts)
	if o.backoff == nil {
		o.backoff = Immediate()
	}

	s := &BatchingSink{
		client:     client,
		decider:    decider,
		cfg:        cfg,
		opts:       o,
		log:        o.log.WithFields(logrus.Fields{"stage": cfg.Name, "kind": "sink"}),
		batches:    make(chan []broker.OutboundMessage),
		upstream:   make(chan upstreamSignal),
		sent:       make(chan result[struct{}]),
		completion: newCompletion(),
		done:       make(chan struct{}),
	}
	s.timer.clock = o.clock
	go s.run(ctx)
	return s, nil
}

// Push hands batch to the sink, blocking until the sink is ready for it. The
// sink keeps its own copy of the slice.
func (s *BatchingSink) Push(ctx context.Context, batch []broker.OutboundMessage) error {
	batch = slices.Clone(batch)
	select {
	case s.batches <- batch:
		return nil
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete signals that upstream has no more batches. The sink finishes
// once any send in flight has been resolved.
func (s *BatchingSink) Complete() { s.signal(upstreamSignal{}) }

// Fail signals an upstream failure. The sink stops at once, abandoning any
// send in flight, and Completion resolves with err.
func (s *BatchingSink) Fail(err error) {
	if err == nil {
		err = errUpstreamFailed
	}
	s.signal(upstreamSignal{err: err})
}

func (s *BatchingSink) signal(sig upstreamSignal) {
	select {
	case s.upstream <- sig:
	case <-s.done:
	}
}

// Completion reports the overall outcome of the sink.
func (s *BatchingSink) Completion() *Completion { return s.completion }

// Done is closed once the sink has stopped.
func (s *BatchingSink) Done() <-chan struct{} { return s.done }

// Err returns the failure that stopped the sink, or nil.
func (s *BatchingSink) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close waits for the sink to stop and for any abandoned send to return.
// It does not complete the sink; call Complete or Fail first.
func (s *BatchingSink) Close(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.call.wait(ctx)
}

func (s *BatchingSink) run(ctx context.Context) {
	err := s.loop(ctx)

	s.timer.disarm()
	s.call.detach()
	if err != nil {
		s.state = sinkFailed
		s.log.WithError(err).Error("sink failed")
	} else {
		s.state = sinkCompleted
		s.log.Debug("sink completed")
	}
	s.err = err
	s.completion.resolve(err)
	close(s.done)
}

func (s *BatchingSink) loop(ctx context.Context) error {
	for {
		// Nil while busy, which keeps Push blocked.
		var in chan []broker.OutboundMessage
		if s.state == sinkAwaiting && !s.upstreamDone {
			in = s.batches
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-in:
			s.onBatch(ctx, batch)
		case sig := <-s.upstream:
			if finished, err := s.onUpstream(sig); finished {
				return err
			}
		case r := <-s.sent:
			if finished, err := s.onSent(ctx, r); finished {
				return err
			}
		case <-s.timer.C():
			s.timer.fired()
			s.send(ctx)
		}
	}
}

func (s *BatchingSink) onBatch(ctx context.Context, batch []broker.OutboundMessage) {
	if len(batch) == 0 {
		return
	}
	s.current = batch
	s.attempts = 0
	s.send(ctx)
}

func (s *BatchingSink) onUpstream(sig upstreamSignal) (bool, error) {
	if sig.err != nil {
		s.log.WithError(sig.err).Warn("upstream failed")
		return true, sig.err
	}
	s.upstreamDone = true
	if s.state == sinkAwaiting {
		return true, nil
	}
	s.log.WithField("state", s.state.String()).Debug("upstream completed, waiting for send")
	return false, nil
}

func (s *BatchingSink) send(ctx context.Context) {
	callCtx, seq := s.call.begin(ctx)
	s.state = sinkSending

	name, m, batch := s.cfg.Name, s.opts.metrics, s.current
	launch(&s.call, callCtx, seq, s.done, s.sent, func(ctx context.Context) (struct{}, error) {
		m.callStarted(name)
		defer m.callFinished(name)
		return struct{}{}, s.client.SendBatch(ctx, batch)
	})
}

func (s *BatchingSink) onSent(ctx context.Context, r result[struct{}]) (bool, error) {
	if !s.call.owns(r.seq) {
		return false, nil
	}
	s.call.end()

	if r.err == nil {
		s.opts.metrics.send(s.cfg.Name, "ok", len(s.current))
		s.log.WithField("count", len(s.current)).Debug("sent batch")
		return s.advance()
	}
	s.opts.metrics.send(s.cfg.Name, "error", 0)

	d := s.decider.Decide(r.err)
	s.opts.metrics.decision(s.cfg.Name, d.String())
	log := s.log.WithError(r.err).WithFields(logrus.Fields{"directive": d.String(), "count": len(s.current)})

	switch d {
	case supervision.Resume:
		s.attempts++
		delay, ok := s.opts.backoff.Next(s.attempts)
		if !ok {
			log.WithField("attempt", s.attempts).Error("send retries exhausted")
			return true, r.err
		}
		log.WithFields(logrus.Fields{"attempt": s.attempts, "delay": delay}).Warn("send failed, resending batch")
		if delay <= 0 {
			s.send(ctx)
			return false, nil
		}
		s.state = sinkRetryBackoff
		s.timer.arm(delay)
		return false, nil
	case supervision.Restart:
		log.Warn("send failed, dropping batch")
		s.opts.metrics.drop(s.cfg.Name)
		return s.advance()
	default:
		log.Error("send failed")
		return true, r.err
	}
}

// advance forgets the current batch and either waits for the next one or
// finishes when upstream already completed.
func (s *BatchingSink) advance() (bool, error) {
	s.current = nil
	s.attempts = 0
	s.state = sinkAwaiting
	if s.upstreamDone {
		return true, nil
	}
	return false, nil
}
