// Package batcher groups items into batches bounded by count, size and age.
package batcher

import (
	"errors"
	"time"
)

type BatcherConfig struct {
	// MaxItems flushes once this many items are buffered. 0 disables it.
	MaxItems int `koanf:"max_items"`
	// MaxEstimatedInputBytes flushes once the summed item sizes reach it.
	MaxEstimatedInputBytes int64 `koanf:"max_bytes"`
	// FlushInterval is the longest an item waits in a non-empty batch.
	FlushInterval time.Duration `koanf:"flush_interval"`
	// ReuseBuffers double-buffers item slices across flushes. A flushed
	// batch then stays valid only until the following Flush.
	ReuseBuffers bool `koanf:"reuse_buffers"`
}

var DefaultBatcherConfig = BatcherConfig{
	MaxItems:               10,
	MaxEstimatedInputBytes: 256 * 1024,
	FlushInterval:          time.Second,
}

func (c BatcherConfig) validate() error {
	if c.MaxEstimatedInputBytes <= 0 {
		return errors.New("batcher: MaxEstimatedInputBytes must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("batcher: FlushInterval must be > 0")
	}
	if c.MaxItems < 0 {
		return errors.New("batcher: MaxItems must be >= 0")
	}
	return nil
}

// Validate reports whether c can build a Batcher.
func (c BatcherConfig) Validate() error { return c.validate() }

// Batcher is not safe for concurrent use.
type Batcher[iType any] struct {
	cfg BatcherConfig

	items      []iType
	spareItems []iType
	bytes      int64

	deadline time.Time
	active   bool
}

func NewBatcher[iType any](cfg BatcherConfig) (*Batcher[iType], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Batcher[iType]{cfg: cfg}
	if cfg.ReuseBuffers {
		n := cfg.MaxItems
		if n <= 0 {
			n = 64
		}
		b.items = make([]iType, 0, n)
		b.spareItems = make([]iType, 0, n)
	}
	return b, nil
}

// Add buffers item and reports whether the batch should be flushed now.
// The flush deadline starts with the first item of a batch.
func (b *Batcher[iType]) Add(now time.Time, item iType, sizeBytes int64) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.FlushInterval)
	}
	if sizeBytes < 0 {
		sizeBytes = 0
	}

	b.items = append(b.items, item)
	b.bytes += sizeBytes

	if b.cfg.MaxItems > 0 && len(b.items) >= b.cfg.MaxItems {
		return true
	}
	return b.bytes >= b.cfg.MaxEstimatedInputBytes
}

// Len returns the number of buffered items.
func (b *Batcher[iType]) Len() int { return len(b.items) }

func (b *Batcher[iType]) ShouldFlushTime(now time.Time) bool {
	if !b.active {
		return false
	}
	return !now.Before(b.deadline)
}

// Deadline returns when the current batch must be flushed; ok is false while
// the batcher is empty.
func (b *Batcher[iType]) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

type Batch[iType any] struct {
	Items []iType
	Bytes int64
}

func (b *Batcher[iType]) Flush() Batch[iType] {
	out := Batch[iType]{
		Items: b.items,
		Bytes: b.bytes,
	}

	if b.cfg.ReuseBuffers {
		b.items, b.spareItems = b.spareItems[:0], b.items
	} else {
		b.items = nil
	}
	b.bytes = 0
	b.active = false
	b.deadline = time.Time{}

	return out
}
