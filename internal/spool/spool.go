// Package spool persists telemetry that could not be delivered before
// shutdown so the next process can send it.
//
// File layout: an 8-byte file header (magic, version) followed by records.
// Each record is a 16-byte header (magic, length, crc32c, flags) and a body
// of kind length (2), kind, attempt (4), payload. The body is snappy
// compressed when flagCompressed is set.
package spool

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/snappy"

	"github.com/szibis/insights-go/internal/buffer"
)

const (
	fileMagic    = 0x49535046 // "ISPF"
	fileVersion  = 1
	recordMagic  = 0x49535052 // "ISPR"
	headerSize   = 16
	maxRecordLen = 64 << 20

	flagCompressed = 0x01
)

var (
	// ErrBadHeader means the file is not a spool or has an unknown version.
	ErrBadHeader = errors.New("spool: bad file header")
	crc32Table   = crc32.MakeTable(crc32.Castagnoli)
)

// Spool is a single append-only file. Methods are safe for concurrent use.
type Spool struct {
	mu       sync.Mutex
	path     string
	compress bool
}

// New returns a spool stored at path. Nothing is touched on disk until
// Save or Load.
func New(path string, compress bool) *Spool {
	return &Spool{path: path, compress: compress}
}

// Path returns the spool file path.
func (s *Spool) Path() string { return s.path }

// Save appends items to the spool file, creating it if needed, and syncs.
// It returns how many items are durably stored: all of them, or none when
// any write, flush or sync fails. A failed save truncates the file back to
// its previous size where the file allows it.
func (s *Spool) Save(items []*buffer.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create spool directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat spool: %w", err)
	}
	if err := s.write(f, info.Size() == 0, items); err != nil {
		if info.Mode().IsRegular() {
			_ = f.Truncate(info.Size())
		}
		return 0, err
	}
	return len(items), nil
}

func (s *Spool) write(f *os.File, header bool, items []*buffer.Item) error {
	w := bufio.NewWriter(f)
	if header {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], fileVersion)
		if _, err := w.Write(hdr[:]); err != nil {
			return fmt.Errorf("failed to write spool header: %w", err)
		}
	}
	for _, it := range items {
		if err := s.writeRecord(w, it); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush spool: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	return nil
}

func (s *Spool) writeRecord(w io.Writer, it *buffer.Item) error {
	body := make([]byte, 0, 6+len(it.Kind)+len(it.Payload))
	body = binary.LittleEndian.AppendUint16(body, uint16(len(it.Kind)))
	body = append(body, it.Kind...)
	body = binary.LittleEndian.AppendUint32(body, uint32(it.Retry.Attempt))
	body = append(body, it.Payload...)

	var flags uint32
	if s.compress {
		body = snappy.Encode(nil, body)
		flags |= flagCompressed
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], recordMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[8:12], crc32.Checksum(body, crc32Table))
	binary.LittleEndian.PutUint32(hdr[12:16], flags)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write spool record: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write spool record: %w", err)
	}
	return nil
}

// Load reads every intact record. Records failing their checksum are
// skipped and counted; a truncated tail ends the read. A missing file
// yields no items and no error.
func (s *Spool) Load() (items []*buffer.Item, corrupt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var fh [8]byte
	if _, err := io.ReadFull(r, fh[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, nil
		}
		return nil, 0, ErrBadHeader
	}
	if binary.LittleEndian.Uint32(fh[0:4]) != fileMagic || binary.LittleEndian.Uint32(fh[4:8]) != fileVersion {
		return nil, 0, ErrBadHeader
	}

	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				corrupt++
			}
			return items, corrupt, nil
		}
		length := binary.LittleEndian.Uint32(hdr[4:8])
		if binary.LittleEndian.Uint32(hdr[0:4]) != recordMagic || length > maxRecordLen {
			// lost framing, nothing after this point can be trusted
			return items, corrupt + 1, nil
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return items, corrupt + 1, nil
		}
		if crc32.Checksum(body, crc32Table) != binary.LittleEndian.Uint32(hdr[8:12]) {
			corrupt++
			continue
		}
		it, err := decodeRecord(body, binary.LittleEndian.Uint32(hdr[12:16]))
		if err != nil {
			corrupt++
			continue
		}
		items = append(items, it)
	}
}

func decodeRecord(body []byte, flags uint32) (*buffer.Item, error) {
	if flags&flagCompressed != 0 {
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, fmt.Errorf("failed to decompress spool record: %w", err)
		}
	}
	if len(body) < 2 {
		return nil, errors.New("spool record too short")
	}
	kindLen := int(binary.LittleEndian.Uint16(body[0:2]))
	if len(body) < 2+kindLen+4 {
		return nil, errors.New("spool record too short")
	}
	kind := string(body[2 : 2+kindLen])
	attempt := int(binary.LittleEndian.Uint32(body[2+kindLen : 6+kindLen]))
	it := buffer.NewItem(body[6+kindLen:], kind)
	it.Retry.Attempt = attempt
	return it, nil
}

// Remove deletes the spool file. A missing file is not an error.
func (s *Spool) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove spool: %w", err)
	}
	return nil
}
