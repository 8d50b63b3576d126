package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/baldanca/queue-stages/broker"
	"github.com/baldanca/queue-stages/encoder"
	"github.com/baldanca/queue-stages/extractor"
	"github.com/baldanca/queue-stages/internal/config"
)

type adapters struct {
	receiver broker.Receiver
	sender   broker.Sender
	closers  []func() error
	log      logrus.FieldLogger
}

func (a *adapters) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("closing adapter")
		}
	}
}

// clients are created lazily so a relay only dials what it uses.
type clients struct {
	cfg config.Config
	aws *aws.Config
	rdb *redis.Client
	ad  *adapters
}

func (c *clients) awsConfig(ctx context.Context) (aws.Config, error) {
	if c.aws != nil {
		return *c.aws, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if c.cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.cfg.AWS.Region))
	}
	ac, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	c.aws = &ac
	return ac, nil
}

func (c *clients) sqs(ctx context.Context) (*sqs.Client, error) {
	ac, err := c.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(ac, func(o *sqs.Options) {
		if c.cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.cfg.AWS.Endpoint)
		}
	}), nil
}

func (c *clients) s3(ctx context.Context) (*s3.Client, error) {
	ac, err := c.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(ac, func(o *s3.Options) {
		if c.cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.cfg.AWS.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (c *clients) redis(ctx context.Context) (*redis.Client, error) {
	if c.rdb != nil {
		return c.rdb, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Redis.Addr,
		Password: c.cfg.Redis.Password,
		DB:       c.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", c.cfg.Redis.Addr, err)
	}
	c.ad.closers = append(c.ad.closers, rdb.Close)
	c.rdb = rdb
	return rdb, nil
}

func openAdapters(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*adapters, error) {
	ad := &adapters{log: logger}
	c := &clients{cfg: cfg, ad: ad}

	srcEntity, err := openSourceEntity(ctx, c, cfg.Source)
	if err != nil {
		ad.close()
		return nil, err
	}
	ad.receiver, err = broker.AsReceiver(entityName(cfg.Source.Kind, cfg.Source.SQS.QueueURL, cfg.Source.Redis.Stream), srcEntity)
	if err != nil {
		ad.close()
		return nil, err
	}

	sinkEntity, err := openSinkEntity(ctx, c, cfg.Sink)
	if err != nil {
		ad.close()
		return nil, err
	}
	ad.sender, err = broker.AsSender(cfg.Sink.Kind, sinkEntity)
	if err != nil {
		ad.close()
		return nil, err
	}
	return ad, nil
}

func openSourceEntity(ctx context.Context, c *clients, sc config.SourceConfig) (any, error) {
	switch sc.Kind {
	case "sqs":
		client, err := c.sqs(ctx)
		if err != nil {
			return nil, err
		}
		return broker.NewSQSQueue(client, sc.SQS.QueueURL, sc.SQS.Queue), nil
	case "redis":
		rdb, err := c.redis(ctx)
		if err != nil {
			return nil, err
		}
		rs := broker.NewRedisStream(rdb, sc.Redis)
		if err := rs.EnsureGroup(ctx); err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("source kind %q not supported", sc.Kind)
	}
}

func openSinkEntity(ctx context.Context, c *clients, sc config.SinkConfig) (any, error) {
	switch sc.Kind {
	case "sqs":
		client, err := c.sqs(ctx)
		if err != nil {
			return nil, err
		}
		return broker.NewSQSQueue(client, sc.SQS.QueueURL, sc.SQS.Queue), nil
	case "redis":
		rdb, err := c.redis(ctx)
		if err != nil {
			return nil, err
		}
		return broker.NewRedisStream(rdb, sc.Redis), nil
	case "kafka":
		kt, err := broker.DialKafkaTopic(sc.Kafka)
		if err != nil {
			return nil, err
		}
		c.ad.closers = append(c.ad.closers, kt.Close)
		return kt, nil
	case "mqtt":
		mt, client, err := broker.DialMQTTTopic(sc.MQTT)
		if err != nil {
			return nil, err
		}
		c.ad.closers = append(c.ad.closers, func() error {
			client.Disconnect(250)
			return nil
		})
		return mt, nil
	case "s3":
		client, err := c.s3(ctx)
		if err != nil {
			return nil, err
		}
		enc, ok := encoder.ByName[broker.ArchiveRecord](sc.S3.Format, sc.S3.Compression)
		if !ok {
			return nil, fmt.Errorf("s3 format %q not supported", sc.S3.Format)
		}
		return broker.NewS3Archive(client, sc.S3.Bucket, sc.S3.Prefix, enc, nil), nil
	default:
		return nil, fmt.Errorf("sink kind %q not supported", sc.Kind)
	}
}

func sourceExtractor(sc config.SourceConfig) extractor.Extractor[broker.OutboundMessage] {
	ext := extractor.Forward(sc.KeyAttribute)
	if sc.CompleteOnExtract {
		return extractor.Completing(ext)
	}
	return ext
}

func entityName(kind string, names ...string) string {
	for _, n := range names {
		if n != "" {
			return kind + ":" + n
		}
	}
	return kind
}
