package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	Version string   `koanf:"version"`
	Acks    int16    `koanf:"required_acks"` // 0,1,-1
}

// KafkaTopic is a send-only adapter over a sarama SyncProducer. Topics are not
// polled by this package, so it deliberately has no ReceiveBatch.
type KafkaTopic struct {
	topic string
	p     sarama.SyncProducer
}

var _ Sender = (*KafkaTopic)(nil)

// NewKafkaTopic wraps an existing producer; the topic owns it from now on.
func NewKafkaTopic(p sarama.SyncProducer, topic string) *KafkaTopic {
	if p == nil {
		panic("kafka producer is required")
	}
	if strings.TrimSpace(topic) == "" {
		panic("kafka topic is required")
	}
	return &KafkaTopic{topic: topic, p: p}
}

// DialKafkaTopic builds a SyncProducer from cfg.
func DialKafkaTopic(cfg KafkaConfig) (*KafkaTopic, error) {
	sc, err := producerConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaTopic(p, cfg.Topic), nil
}

// producerConfig keeps one request in flight per broker connection so that
// retries cannot reorder messages within a partition.
func producerConfig(cfg KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka version %q: %w", cfg.Version, err)
		}
		sc.Version = ver
	}
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Net.MaxOpenRequests = 1
	return sc, nil
}

// SendBatch produces msgs in one SendMessages call; ordering within a
// partition follows slice order.
func (k *KafkaTopic) SendBatch(ctx context.Context, msgs []OutboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pms := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		pm := &sarama.ProducerMessage{
			Topic: k.topic,
			Value: sarama.ByteEncoder(m.Body),
		}
		if m.Key != "" {
			pm.Key = sarama.StringEncoder(m.Key)
		}
		for hk, hv := range m.Attributes {
			pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(hk), Value: []byte(hv)})
		}
		pms = append(pms, pm)
	}

	err := k.p.SendMessages(pms)
	if err == nil {
		return nil
	}

	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		se := &SendError{Entity: k.topic}
		for _, pe := range perrs {
			se.Failed = append(se.Failed, FailedEntry{Code: "produce", Message: pe.Err.Error()})
		}
		return se
	}
	return fmt.Errorf("kafka send %s: %w", k.topic, err)
}

func (k *KafkaTopic) Close() error {
	return k.p.Close()
}
