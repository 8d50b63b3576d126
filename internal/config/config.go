// Package config loads the relay configuration from YAML and environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/baldanca/queue-stages/batcher"
	"github.com/baldanca/queue-stages/broker"
	"github.com/baldanca/queue-stages/stage"
	"github.com/baldanca/queue-stages/supervision"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "QSTAGE__"
)

type Config struct {
	SchemaVersion string        `koanf:"schema_version"`
	Log           LogConfig     `koanf:"log"`
	Metrics       MetricsConfig `koanf:"metrics"`
	Health        HealthConfig  `koanf:"health"`
	AWS           AWSConfig     `koanf:"aws"`
	Redis         RedisConfig   `koanf:"redis"`

	Source SourceConfig          `koanf:"source"`
	Sink   SinkConfig            `koanf:"sink"`
	Batch  batcher.BatcherConfig `koanf:"batch"`

	// StopTimeout bounds the final flush on shutdown.
	StopTimeout time.Duration `koanf:"stop_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text|json
}

type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables /metrics
}

type HealthConfig struct {
	Addr string `koanf:"addr"` // empty disables the gRPC health server
}

type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type BackoffConfig struct {
	Kind        string        `koanf:"kind"` // fixed|immediate|exponential; empty keeps the stage default
	Delay       time.Duration `koanf:"delay"`
	Base        time.Duration `koanf:"base"`
	Max         time.Duration `koanf:"max"`
	Jitter      bool          `koanf:"jitter"`
	MaxAttempts int           `koanf:"max_attempts"`
}

type SourceConfig struct {
	Kind    string             `koanf:"kind"` // sqs|redis
	Stage   stage.SourceConfig `koanf:"stage"`
	OnError string             `koanf:"on_error"`
	Backoff BackoffConfig      `koanf:"backoff"`
	// CompleteOnExtract settles every message once it was extracted.
	CompleteOnExtract bool `koanf:"complete_on_extract"`
	// KeyAttribute names the message attribute forwarded as the outbound key.
	KeyAttribute string `koanf:"key_attribute"`

	SQS   SQSConfig                `koanf:"sqs"`
	Redis broker.RedisStreamConfig `koanf:"redis"`
}

type SinkConfig struct {
	Kind    string           `koanf:"kind"` // sqs|redis|kafka|mqtt|s3
	Stage   stage.SinkConfig `koanf:"stage"`
	OnError string           `koanf:"on_error"`
	Backoff BackoffConfig    `koanf:"backoff"`

	SQS   SQSConfig                `koanf:"sqs"`
	Redis broker.RedisStreamConfig `koanf:"redis"`
	Kafka broker.KafkaConfig       `koanf:"kafka"`
	MQTT  broker.MQTTConfig        `koanf:"mqtt"`
	S3    S3Config                 `koanf:"s3"`
}

type SQSConfig struct {
	QueueURL string           `koanf:"queue_url"`
	Queue    broker.SQSConfig `koanf:"queue"`
}

type S3Config struct {
	Bucket      string `koanf:"bucket"`
	Prefix      string `koanf:"prefix"`
	Format      string `koanf:"format"` // parquet|ndjson
	Compression string `koanf:"compression"`
}

// Load merges the YAML file at path (if any) with QSTAGE__ environment
// variables, applies defaults and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envKey maps QSTAGE__SOURCE__STAGE__POLL_INTERVAL to source.stage.poll_interval.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}

	d := stage.DefaultSourceConfig
	s := &c.Source.Stage
	if s.Name == "" {
		s.Name = c.Source.Kind
	}
	if s.MaxMessageCount == 0 {
		s.MaxMessageCount = d.MaxMessageCount
	}
	if s.ServerWaitTime == 0 {
		s.ServerWaitTime = d.ServerWaitTime
	}
	if s.PollInterval == 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ExtractParallelism == 0 {
		s.ExtractParallelism = d.ExtractParallelism
	}
	if c.Sink.Stage.Name == "" {
		c.Sink.Stage.Name = c.Sink.Kind
	}

	b := batcher.DefaultBatcherConfig
	if c.Batch.MaxItems == 0 {
		c.Batch.MaxItems = b.MaxItems
	}
	if c.Batch.MaxEstimatedInputBytes == 0 {
		c.Batch.MaxEstimatedInputBytes = b.MaxEstimatedInputBytes
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = b.FlushInterval
	}

	if c.Sink.S3.Format == "" {
		c.Sink.S3.Format = "parquet"
	}
	if c.Sink.MQTT.ClientID == "" {
		c.Sink.MQTT.ClientID = "queue-stages"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

func (c Config) Validate() error {
	var errs []error

	switch c.Source.Kind {
	case "sqs":
		if c.Source.SQS.QueueURL == "" {
			errs = append(errs, errors.New("source.sqs.queue_url is required"))
		}
	case "redis":
		if c.Source.Redis.Stream == "" {
			errs = append(errs, errors.New("source.redis.stream is required"))
		}
		if c.Source.Redis.Group == "" {
			errs = append(errs, errors.New("source.redis.group is required"))
		}
		if c.Source.Redis.Consumer == "" {
			errs = append(errs, errors.New("source.redis.consumer is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind %q not supported (want sqs|redis)", c.Source.Kind))
	}

	switch c.Sink.Kind {
	case "sqs":
		if c.Sink.SQS.QueueURL == "" {
			errs = append(errs, errors.New("sink.sqs.queue_url is required"))
		}
	case "redis":
		if c.Sink.Redis.Stream == "" {
			errs = append(errs, errors.New("sink.redis.stream is required"))
		}
	case "kafka":
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			errs = append(errs, errors.New("sink.kafka.brokers and sink.kafka.topic are required"))
		}
	case "mqtt":
		if c.Sink.MQTT.Broker == "" || c.Sink.MQTT.Topic == "" {
			errs = append(errs, errors.New("sink.mqtt.broker and sink.mqtt.topic are required"))
		}
		if c.Sink.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("sink.mqtt.qos %d out of range", c.Sink.MQTT.QoS))
		}
	case "s3":
		if c.Sink.S3.Bucket == "" {
			errs = append(errs, errors.New("sink.s3.bucket is required"))
		}
		if c.Sink.S3.Format != "parquet" && c.Sink.S3.Format != "ndjson" {
			errs = append(errs, fmt.Errorf("sink.s3.format %q not supported (want parquet|ndjson)", c.Sink.S3.Format))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.kind %q not supported (want sqs|redis|kafka|mqtt|s3)", c.Sink.Kind))
	}

	if err := c.Source.Stage.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Batch.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]string{"source.on_error": c.Source.OnError, "sink.on_error": c.Sink.OnError} {
		if _, err := supervision.ParseDirective(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for name, b := range map[string]BackoffConfig{"source.backoff": c.Source.Backoff, "sink.backoff": c.Sink.Backoff} {
		if _, err := b.Build(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Build returns the configured backoff, or nil to keep the stage default.
func (b BackoffConfig) Build() (stage.Backoff, error) {
	var out stage.Backoff
	switch b.Kind {
	case "":
		return nil, nil
	case "immediate":
		out = stage.Immediate()
	case "fixed":
		if b.Delay <= 0 {
			return nil, errors.New("fixed backoff needs a positive delay")
		}
		out = stage.Fixed(b.Delay)
	case "exponential":
		return stage.Exponential{Base: b.Base, Max: b.Max, Jitter: b.Jitter, MaxAttempts: b.MaxAttempts}, nil
	default:
		return nil, fmt.Errorf("backoff kind %q not supported (want fixed|immediate|exponential)", b.Kind)
	}
	if b.MaxAttempts > 0 {
		out = stage.Limit(out, b.MaxAttempts)
	}
	return out, nil
}

// Decider returns the supervision decider for a validated on_error value.
func Decider(onError string) supervision.Decider {
	d, _ := supervision.ParseDirective(onError)
	return supervision.Always(d)
}
