package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

const ParquetContentType = "application/vnd.apache.parquet"

type ParquetEncoder[iType any] struct {
	// Compression (optional): "", "snappy", "gzip", "zstd"
	Compression string
}

func (e ParquetEncoder[iType]) FileExtension() string { return ".parquet" }

func (e ParquetEncoder[iType]) Encode(ctx context.Context, items []iType) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	var options []parquet.WriterOption
	switch e.Compression {
	case "":
	case "snappy":
		options = append(options, parquet.Compression(&parquet.Snappy))
	case "gzip":
		options = append(options, parquet.Compression(&parquet.Gzip))
	case "zstd":
		options = append(options, parquet.Compression(&parquet.Zstd))
	default:
		return nil, "", fmt.Errorf("unsupported parquet compression: %q", e.Compression)
	}

	var out bytes.Buffer
	w := parquet.NewGenericWriter[iType](&out, options...)
	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return nil, "", fmt.Errorf("parquet write %d rows: %w", len(items), err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("parquet close: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	return out.Bytes(), ParquetContentType, nil
}
