package broker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/baldanca/queue-stages/encoder"
)

// ArchiveRecord is the row layout written by S3Archive.
type ArchiveRecord struct {
	ID         string            `parquet:"id" json:"id"`
	Key        string            `parquet:"key,optional" json:"key,omitempty"`
	Body       []byte            `parquet:"body" json:"body"`
	Attributes map[string]string `parquet:"attributes" json:"attributes,omitempty"`
}

// KeyFunc names the object written for one batch.
type KeyFunc func(ctx context.Context, batch []OutboundMessage) (string, error)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes every batch as one encoded object. It is send-only.
type S3Archive struct {
	client s3API
	enc    encoder.Encoder[ArchiveRecord]
	key    KeyFunc

	bucket    string
	bucketPtr *string
	prefix    string
}

var _ Sender = (*S3Archive)(nil)

func NewS3Archive(client s3API, bucket, prefix string, enc encoder.Encoder[ArchiveRecord], key KeyFunc) *S3Archive {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}
	if enc == nil {
		panic("encoder is required")
	}
	if key == nil {
		key = DefaultKeyFunc(enc.FileExtension())
	}

	a := &S3Archive{
		client: client,
		enc:    enc,
		key:    key,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	a.bucketPtr = &a.bucket
	return a
}

func (a *S3Archive) SendBatch(ctx context.Context, msgs []OutboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	rows := make([]ArchiveRecord, len(msgs))
	for i, m := range msgs {
		rows[i] = ArchiveRecord{ID: m.ID, Key: m.Key, Body: m.Body, Attributes: m.Attributes}
	}
	data, contentType, err := a.enc.Encode(ctx, rows)
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}

	key, err := a.key(ctx, msgs)
	if err != nil {
		return fmt.Errorf("archive key: %w", err)
	}
	if key == "" {
		return fmt.Errorf("empty key")
	}

	key = strings.TrimLeft(key, "/")
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	cl := int64(len(data))

	var body bytes.Reader
	body.Reset(data)

	input := s3.PutObjectInput{
		Bucket:        a.bucketPtr,
		Key:           &key,
		Body:          &body,
		ContentLength: &cl,
	}
	if contentType != "" {
		input.ContentType = &contentType
	}

	if _, err := a.client.PutObject(ctx, &input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}

// DefaultKeyFunc partitions objects by UTC hour and suffixes them with a
// random UUID so concurrent writers never collide.
func DefaultKeyFunc(ext string) KeyFunc {
	if ext == "" || ext[0] != '.' {
		ext = ".bin"
	}
	return func(context.Context, []OutboundMessage) (string, error) {
		now := time.Now().UTC()
		return fmt.Sprintf("%04d/%02d/%02d/%02d/%d-%s%s",
			now.Year(), int(now.Month()), now.Day(), now.Hour(), now.UnixNano(), uuid.NewString(), ext,
		), nil
	}
}
