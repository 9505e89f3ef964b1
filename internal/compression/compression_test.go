package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"GZIP", TypeGzip, false},
		{" zstd ", TypeZstd, false},
		{"deflate", TypeDeflate, false},
		{"snappy", TypeSnappy, false},
		{"lz4", TypeNone, true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseType(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestContentEncoding(t *testing.T) {
	if TypeNone.ContentEncoding() != "" {
		t.Error("none should have no content encoding")
	}
	if TypeGzip.ContentEncoding() != "gzip" {
		t.Error("gzip content encoding")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"name":"Microsoft.ApplicationInsights.Event","ver":1},`, 200))
	for _, typ := range []Type{TypeNone, TypeGzip, TypeZstd, TypeDeflate, TypeSnappy} {
		for _, level := range []Level{0, 1} {
			if typ == TypeNone && level != 0 {
				continue
			}
			t.Run(string(typ), func(t *testing.T) {
				enc, err := Compress(payload, Config{Type: typ, Level: level})
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				if typ != TypeNone && len(enc) >= len(payload) {
					t.Errorf("%s did not shrink repetitive payload: %d >= %d", typ, len(enc), len(payload))
				}
				dec, err := Decompress(enc, typ)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(dec, payload) {
					t.Fatal("round trip mismatch")
				}
			})
		}
	}
}

func TestCompressUnsupported(t *testing.T) {
	if _, err := Compress([]byte("x"), Config{Type: "brotli"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := Decompress([]byte("x"), "brotli"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
