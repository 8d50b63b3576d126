package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/queue-stages/encoder"
)

type fakeS3API struct {
	mu sync.Mutex

	putCalls int
	lastIn   *s3.PutObjectInput
	lastBody []byte

	putErr error
}

func (f *fakeS3API) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	f.lastIn = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	if in.Body != nil {
		f.lastBody, _ = io.ReadAll(in.Body)
	}
	return &s3.PutObjectOutput{}, nil
}

func fixedKey(k string) KeyFunc {
	return func(context.Context, []OutboundMessage) (string, error) { return k, nil }
}

func TestS3Archive_SendBatch_WritesOneObject(t *testing.T) {
	f := &fakeS3API{}
	a := NewS3Archive(f, "bucket", "/archive/", encoder.NDJSONEncoder[ArchiveRecord]{}, fixedKey("/2024/batch.ndjson"))

	err := a.SendBatch(context.Background(), []OutboundMessage{
		{ID: "1", Body: []byte("a")},
		{ID: "2", Body: []byte("b")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.putCalls)
	assert.Equal(t, "archive/2024/batch.ndjson", aws.ToString(f.lastIn.Key))
	assert.Equal(t, encoder.NDJSONContentType, aws.ToString(f.lastIn.ContentType))
	assert.Equal(t, int64(len(f.lastBody)), aws.ToInt64(f.lastIn.ContentLength))

	lines := bytes.Split(f.lastBody, []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"id":"1"`)
}

func TestS3Archive_SendBatch_EmptyIsNoop(t *testing.T) {
	f := &fakeS3API{}
	a := NewS3Archive(f, "bucket", "", encoder.NDJSONEncoder[ArchiveRecord]{}, nil)

	require.NoError(t, a.SendBatch(context.Background(), nil))
	assert.Zero(t, f.putCalls)
}

func TestS3Archive_SendBatch_PutError(t *testing.T) {
	sentinel := errors.New("slow down")
	a := NewS3Archive(&fakeS3API{putErr: sentinel}, "bucket", "", encoder.ParquetEncoder[ArchiveRecord]{}, nil)

	err := a.SendBatch(context.Background(), []OutboundMessage{{ID: "1", Body: []byte("x")}})
	assert.ErrorIs(t, err, sentinel)
}

func TestDefaultKeyFunc(t *testing.T) {
	k1, _ := DefaultKeyFunc(".parquet")(context.Background(), nil)
	k2, _ := DefaultKeyFunc(".parquet")(context.Background(), nil)
	assert.NotEqual(t, k1, k2)
	assert.True(t, strings.HasSuffix(k1, ".parquet"), k1)

	k, _ := DefaultKeyFunc("")(context.Background(), nil)
	assert.True(t, strings.HasSuffix(k, ".bin"), k)
}
