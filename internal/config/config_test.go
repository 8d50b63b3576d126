package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sqsToKafka = `schema_version: v1
log:
  level: debug
source:
  kind: sqs
  on_error: resume
  sqs:
    queue_url: https://sqs.eu-west-1.amazonaws.com/123/in
    queue:
      visibility_timeout: 60
  stage:
    max_message_count: 10
    poll_interval: 2s
sink:
  kind: kafka
  on_error: restart
  backoff:
    kind: exponential
    base: 100ms
    max: 5s
  kafka:
    brokers: [localhost:9092]
    topic: events
batch:
  max_items: 50
`

func TestLoad_YAMLWithDefaults(t *testing.T) {
	cfg, err := Load(writeYAML(t, sqsToKafka))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, int32(60), cfg.Source.SQS.Queue.VisibilityTO)
	assert.Equal(t, 10, cfg.Source.Stage.MaxMessageCount)
	assert.Equal(t, 2*time.Second, cfg.Source.Stage.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Source.Stage.ServerWaitTime)
	assert.Equal(t, 1, cfg.Source.Stage.ExtractParallelism)
	assert.Equal(t, "sqs", cfg.Source.Stage.Name)
	assert.Equal(t, "kafka", cfg.Sink.Stage.Name)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Sink.Kafka.Brokers)
	assert.Equal(t, 50, cfg.Batch.MaxItems)
	assert.Equal(t, time.Second, cfg.Batch.FlushInterval)
	assert.Equal(t, 10*time.Second, cfg.StopTimeout)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("QSTAGE__SOURCE__STAGE__POLL_INTERVAL", "30s")
	t.Setenv("QSTAGE__SINK__KAFKA__TOPIC", "audit")
	t.Setenv("QSTAGE__LOG__FORMAT", "json")

	cfg, err := Load(writeYAML(t, sqsToKafka))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Source.Stage.PollInterval)
	assert.Equal(t, "audit", cfg.Sink.Kafka.Topic)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("QSTAGE__SOURCE__KIND", "redis")
	t.Setenv("QSTAGE__SOURCE__REDIS__STREAM", "in")
	t.Setenv("QSTAGE__SOURCE__REDIS__GROUP", "relay")
	t.Setenv("QSTAGE__SINK__KIND", "s3")
	t.Setenv("QSTAGE__SINK__S3__BUCKET", "archive")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, "parquet", cfg.Sink.S3.Format)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_RejectsSchema(t *testing.T) {
	_, err := Load(writeYAML(t, "schema_version: v9\n"))
	assert.ErrorContains(t, err, "schema_version")
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Config{}
	applyDefaults(&cfg)
	cfg.Source.OnError = "explode"
	cfg.Sink.Backoff.Kind = "fixed"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"source.kind", "sink.kind", "source.on_error", "sink.backoff"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoad_RedisSourceRequiresConsumer(t *testing.T) {
	const redisSource = `
source:
  kind: redis
  redis:
    stream: events
    group: relay
sink:
  kind: redis
  redis:
    stream: archive
`
	_, err := Load(writeYAML(t, redisSource))
	require.Error(t, err)
	assert.ErrorContains(t, err, "source.redis.consumer")

	t.Setenv("QSTAGE__SOURCE__REDIS__CONSUMER", "relay-1")
	cfg, err := Load(writeYAML(t, redisSource))
	require.NoError(t, err)
	assert.Equal(t, "relay-1", cfg.Source.Redis.Consumer)
}

func TestBackoffConfig_Build(t *testing.T) {
	b, err := BackoffConfig{}.Build()
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = BackoffConfig{Kind: "fixed", Delay: time.Second, MaxAttempts: 2}.Build()
	require.NoError(t, err)
	d, ok := b.Next(2)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	_, ok = b.Next(3)
	assert.False(t, ok)

	_, err = BackoffConfig{Kind: "linear"}.Build()
	assert.Error(t, err)
}
