package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// bodyField is the stream entry field carrying the payload. Every other field
// is exposed as a message attribute.
const bodyField = "body"

// DefaultRedisClaimIdle is how long an entry stays pending before another
// receive reclaims it.
const DefaultRedisClaimIdle = 30 * time.Second

type RedisStreamConfig struct {
	Stream   string `koanf:"stream"`
	Group    string `koanf:"group"`
	Consumer string `koanf:"consumer"`
	// MaxLen trims the stream approximately on send. Zero disables trimming.
	MaxLen int64 `koanf:"max_len"`
	// DeleteOnComplete removes the entry after XACK.
	DeleteOnComplete bool `koanf:"delete_on_complete"`
	// ClaimIdle is the minimum idle time before a pending entry is reclaimed
	// and delivered again. Zero uses DefaultRedisClaimIdle; negative disables
	// reclaiming.
	ClaimIdle time.Duration `koanf:"claim_idle"`
}

func (c *RedisStreamConfig) validate() {
	if strings.TrimSpace(c.Stream) == "" {
		panic("redis stream is required")
	}
	if c.MaxLen < 0 {
		panic("redis max len must be non-negative")
	}
	if c.ClaimIdle == 0 {
		c.ClaimIdle = DefaultRedisClaimIdle
	}
}

// CheckReceive reports whether the config carries what XREADGROUP needs.
func (c RedisStreamConfig) CheckReceive() error {
	if c.Group == "" || c.Consumer == "" {
		return fmt.Errorf("redis stream %s: group and consumer are required to receive", c.Stream)
	}
	return nil
}

type streamAPI interface {
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
}

// RedisStream adapts a Redis stream read through a consumer group. It supports
// both directions; receiving requires Group and Consumer.
type RedisStream struct {
	cfg RedisStreamConfig
	rdb streamAPI
}

var (
	_ Receiver = (*RedisStream)(nil)
	_ Sender   = (*RedisStream)(nil)
	_ Settler  = (*RedisStream)(nil)
)

func NewRedisStream(rdb streamAPI, cfg RedisStreamConfig) *RedisStream {
	if rdb == nil {
		panic("redis client is required")
	}
	cfg.validate()
	return &RedisStream{cfg: cfg, rdb: rdb}
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (r *RedisStream) EnsureGroup(ctx context.Context) error {
	if err := r.cfg.CheckReceive(); err != nil {
		return err
	}
	err := r.rdb.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s for stream %s: %w", r.cfg.Group, r.cfg.Stream, err)
	}
	return nil
}

// ReceiveBatch first reclaims entries left pending for at least ClaimIdle
// (abandoned or never acknowledged) and returns them if any. Otherwise it reads
// new entries with XREADGROUP, blocking up to waitTimeout.
func (r *RedisStream) ReceiveBatch(ctx context.Context, maxCount int, waitTimeout time.Duration) ([]Message, error) {
	if err := r.cfg.CheckReceive(); err != nil {
		return nil, err
	}
	if maxCount < 1 {
		maxCount = 1
	}

	if r.cfg.ClaimIdle > 0 {
		claimed, err := r.claimIdle(ctx, maxCount)
		if err != nil {
			return nil, err
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}
	// Block: 0 means forever for XREADGROUP; keep a minimal positive wait.
	if waitTimeout <= 0 {
		waitTimeout = time.Millisecond
	}

	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.Stream, ">"},
		Count:    int64(maxCount),
		Block:    waitTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", r.cfg.Stream, err)
	}

	var msgs []Message
	for _, s := range res {
		msgs = r.appendMessages(msgs, s.Stream, s.Messages)
	}
	return msgs, nil
}

func (r *RedisStream) claimIdle(ctx context.Context, maxCount int) ([]Message, error) {
	pending, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(maxCount),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s: %w", r.cfg.Stream, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	claimed, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xclaim %s: %w", r.cfg.Stream, err)
	}
	return r.appendMessages(nil, r.cfg.Stream, claimed), nil
}

func (r *RedisStream) appendMessages(msgs []Message, stream string, entries []redis.XMessage) []Message {
	for _, e := range entries {
		body, attrs := splitStreamValues(e.Values)
		msgs = append(msgs, NewMessage(e.ID, body, attrs, e.ID, stream, r))
	}
	return msgs
}

// SendBatch appends each message with XADD in order. A failure leaves the
// preceding entries appended; a retried batch may therefore duplicate them.
func (r *RedisStream) SendBatch(ctx context.Context, msgs []OutboundMessage) error {
	for _, m := range msgs {
		values := make(map[string]any, len(m.Attributes)+1)
		for k, v := range m.Attributes {
			values[k] = v
		}
		values[bodyField] = m.Body

		args := &redis.XAddArgs{Stream: r.cfg.Stream, Values: values}
		if r.cfg.MaxLen > 0 {
			args.MaxLen = r.cfg.MaxLen
			args.Approx = true
		}
		if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("xadd %s: %w", r.cfg.Stream, err)
		}
	}
	return nil
}

// Complete acknowledges the entry in the consumer group.
func (r *RedisStream) Complete(ctx context.Context, m Message) error {
	if m.Handle == "" {
		return ErrNotSettleable
	}
	stream := m.Entity
	if stream == "" {
		stream = r.cfg.Stream
	}
	if err := r.rdb.XAck(ctx, stream, r.cfg.Group, m.Handle).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, m.Handle, err)
	}
	if r.cfg.DeleteOnComplete {
		if err := r.rdb.XDel(ctx, stream, m.Handle).Err(); err != nil {
			return fmt.Errorf("xdel %s %s: %w", stream, m.Handle, err)
		}
	}
	return nil
}

// Abandon leaves the entry pending. A later ReceiveBatch reclaims it once it
// has been idle for ClaimIdle. Nothing is sent to Redis.
func (r *RedisStream) Abandon(_ context.Context, m Message) error {
	if m.Handle == "" {
		return ErrNotSettleable
	}
	return nil
}

func splitStreamValues(values map[string]any) ([]byte, map[string]string) {
	var body []byte
	var attrs map[string]string
	for k, v := range values {
		if k == bodyField {
			body = toBytes(v)
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string, len(values))
		}
		attrs[k] = string(toBytes(v))
	}
	return body, attrs
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	case nil:
		return nil
	default:
		return []byte(fmt.Sprint(t))
	}
}
