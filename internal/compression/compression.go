// Package compression encodes request bodies for the ingestion endpoint.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Type identifies a body encoding.
type Type string

const (
	TypeNone    Type = "none"
	TypeGzip    Type = "gzip"
	TypeZstd    Type = "zstd"
	TypeDeflate Type = "deflate"
	TypeSnappy  Type = "snappy"
)

// Level is a codec-specific compression level. Zero selects the codec default.
type Level int

// Config selects the codec and its level.
type Config struct {
	Type  Type
	Level Level
}

// ParseType parses a compression name. Empty means none.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "deflate":
		return TypeDeflate, nil
	case "snappy":
		return TypeSnappy, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding value, or "" for none.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd, TypeDeflate, TypeSnappy:
		return string(t)
	default:
		return ""
	}
}

var gzipWriters sync.Pool

// Compress encodes data with cfg. TypeNone returns data unchanged.
func Compress(data []byte, cfg Config) ([]byte, error) {
	switch cfg.Type {
	case TypeNone, "":
		return data, nil
	case TypeSnappy:
		return snappy.Encode(nil, data), nil
	case TypeZstd:
		return compressZstd(data, cfg.Level)
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	switch cfg.Type {
	case TypeGzip:
		if cfg.Level == 0 {
			gw, _ := gzipWriters.Get().(*gzip.Writer)
			if gw == nil {
				gw = gzip.NewWriter(&buf)
			} else {
				gw.Reset(&buf)
			}
			defer gzipWriters.Put(gw)
			w = gw
		} else {
			gw, err := gzip.NewWriterLevel(&buf, int(cfg.Level))
			if err != nil {
				return nil, fmt.Errorf("failed to create gzip writer: %w", err)
			}
			w = gw
		}
	case TypeDeflate:
		level := flate.DefaultCompression
		if cfg.Level != 0 {
			level = int(cfg.Level)
		}
		fw, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create deflate writer: %w", err)
		}
		w = fw
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write %s data: %w", cfg.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s writer: %w", cfg.Type, err)
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte, level Level) ([]byte, error) {
	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress reverses Compress. Used by tests and by the spool reader.
func Decompress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeSnappy:
		return snappy.Decode(nil, data)
	case TypeZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case TypeGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case TypeDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		return io.ReadAll(fr)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
