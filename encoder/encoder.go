package encoder

import "context"

// Encoder turns a batch of records into one object payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[iType any] interface {
	Encode(ctx context.Context, items []iType) (data []byte, contentType string, err error)
	FileExtension() string
}

// ByName returns the encoder registered under name ("parquet", "ndjson").
// compression only applies to parquet.
func ByName[iType any](name, compression string) (Encoder[iType], bool) {
	switch name {
	case "parquet":
		return ParquetEncoder[iType]{Compression: compression}, true
	case "ndjson", "":
		return NDJSONEncoder[iType]{}, true
	default:
		return nil, false
	}
}
