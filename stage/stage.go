// Package stage adapts pull-based pipelines to message brokers.
//
// PollingSource receives batches from a broker.Receiver on downstream demand
// and BatchingSink sends upstream batches to a broker.Sender. Each stage owns
// its state from a single goroutine: broker calls run on their own goroutine
// and report back through channels, so at most one call per stage is ever
// outstanding and the loop stays free to react to cancellation.
package stage

import "errors"

var (
	// ErrSourceClosed is returned by Pull once the source was cancelled.
	ErrSourceClosed = errors.New("stage: source closed")

	// ErrSinkClosed is returned by Push once the sink finished successfully.
	ErrSinkClosed = errors.New("stage: sink closed")

	// ErrConcurrentPull is returned when Pull is called while another Pull is
	// still waiting.
	ErrConcurrentPull = errors.New("stage: pull already pending")
)
