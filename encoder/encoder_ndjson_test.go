package encoder

import (
	"context"
	"testing"
)

func TestNDJSONEncoder_OneLinePerItem(t *testing.T) {
	type row struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	}
	data, ct, err := NDJSONEncoder[row]{}.Encode(context.Background(), []row{{"1", "a<b"}, {"2", "c"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ct != NDJSONContentType {
		t.Fatalf("contentType=%q want=%q", ct, NDJSONContentType)
	}
	want := `{"id":"1","body":"a<b"}` + "\n" + `{"id":"2","body":"c"}`
	if string(data) != want {
		t.Fatalf("data=%q want=%q", data, want)
	}
}

func TestNDJSONEncoder_TrailingNewline(t *testing.T) {
	data, _, err := NDJSONEncoder[int]{TrailingNewline: true}.Encode(context.Background(), []int{1, 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != "1\n2\n" {
		t.Fatalf("data=%q", data)
	}
}

func TestNDJSONEncoder_Empty(t *testing.T) {
	data, _, err := NDJSONEncoder[int]{}.Encode(context.Background(), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty payload, got %q", data)
	}
}

func TestByName(t *testing.T) {
	if _, ok := ByName[int]("parquet", "snappy"); !ok {
		t.Fatal("parquet not found")
	}
	if e, ok := ByName[int]("", ""); !ok || e.FileExtension() != ".ndjson" {
		t.Fatal("default encoder should be ndjson")
	}
	if _, ok := ByName[int]("avro", ""); ok {
		t.Fatal("unexpected encoder for avro")
	}
}
