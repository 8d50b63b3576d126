package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// SourceConfig controls how a PollingSource talks to its broker.
type SourceConfig struct {
	// Name labels logs and metrics.
	Name string `koanf:"name"`
	// MaxMessageCount is passed to every ReceiveBatch call.
	MaxMessageCount int `koanf:"max_message_count"`
	// ServerWaitTime is how long the broker may hold a receive open.
	ServerWaitTime time.Duration `koanf:"server_wait_time"`
	// PollInterval is the pause after an empty receive.
	PollInterval time.Duration `koanf:"poll_interval"`
	// ExtractParallelism bounds concurrent extractions of one batch.
	ExtractParallelism int `koanf:"extract_parallelism"`
}

var DefaultSourceConfig = SourceConfig{
	Name:               "source",
	MaxMessageCount:    100,
	ServerWaitTime:     3 * time.Second,
	PollInterval:       10 * time.Second,
	ExtractParallelism: 1,
}

func (c SourceConfig) Validate() error {
	if c.MaxMessageCount <= 0 {
		return fmt.Errorf("stage: max message count must be positive, got %d", c.MaxMessageCount)
	}
	if c.ServerWaitTime < 0 {
		return fmt.Errorf("stage: server wait time must not be negative, got %s", c.ServerWaitTime)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("stage: poll interval must not be negative, got %s", c.PollInterval)
	}
	if c.ExtractParallelism <= 0 {
		return fmt.Errorf("stage: extract parallelism must be positive, got %d", c.ExtractParallelism)
	}
	return nil
}

// SinkConfig controls a BatchingSink.
type SinkConfig struct {
	Name string `koanf:"name"`
}

var DefaultSinkConfig = SinkConfig{Name: "sink"}

type options struct {
	log     logrus.FieldLogger
	metrics *Metrics
	backoff Backoff
	clock   clock
}

// Option customises a stage.
type Option func(*options)

// WithLogger sets the logger. The standard logrus logger is used otherwise.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics reports stage activity to m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBackoff overrides the retry delay schedule. Sources default to
// Fixed(PollInterval) and sinks to Immediate.
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

func withClock(c clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: realClock{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	return o
}

var errNilDependency = errors.New("stage: nil dependency")
