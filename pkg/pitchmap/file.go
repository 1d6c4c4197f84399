package pitchmap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// Binary layout (little-endian):
//
//	[4B totalEntries] [4B type]
//	[40B source Hz] [40B target Hz] [40B source log-Hz] [40B target log-Hz]
//	For each entry: [40B source] [40B target]
//
// Statistics: [4B kind] [4B scale] then mean, stdDev, range, min, max,
// intercept, slope, count as float32.

const (
	StatisticsSize = 40
	HeaderSize     = 8 + 4*StatisticsSize
	EntrySize      = 2 * StatisticsSize
)

var le = binary.LittleEndian

// WriteHeader writes h.
func WriteHeader(w io.Writer, h Header) error {
	if err := binary.Write(w, le, h); err != nil {
		return fmt.Errorf("pitchmap: write header: %w: %w", codebook.ErrIO, err)
	}
	return nil
}

// ReadHeader reads a header written by WriteHeader.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, le, &h); err != nil {
		return Header{}, readErr("read header", err)
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func readErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("pitchmap: %s: %w: truncated", op, codebook.ErrFormat)
	}
	return fmt.Errorf("pitchmap: %s: %w: %w", op, codebook.ErrIO, err)
}

// Writer appends entries to a pitch mapping file, rewriting the entry
// counter at offset 0 after each one.
type Writer struct {
	path  string
	f     *os.File
	count int32
}

// Create truncates path and writes h with a zero counter.
func Create(path string, h Header) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pitchmap: create %s: %w: %w", path, codebook.ErrIO, err)
	}
	h.TotalEntries = 0
	if err := WriteHeader(f, h); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{path: path, f: f}, nil
}

// Append writes e and then the new counter.
func (w *Writer) Append(e Entry) error {
	if err := binary.Write(w.f, le, e); err != nil {
		return fmt.Errorf("pitchmap: append to %s: %w: %w", w.path, codebook.ErrIO, err)
	}
	var counter [4]byte
	le.PutUint32(counter[:], uint32(w.count+1))
	if _, err := w.f.WriteAt(counter[:], 0); err != nil {
		return fmt.Errorf("pitchmap: update entry count in %s: %w: %w", w.path, codebook.ErrIO, err)
	}
	w.count++
	return nil
}

// Count returns the number of appended entries.
func (w *Writer) Count() int { return int(w.count) }

// Close closes the file.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("pitchmap: close %s: %w: %w", w.path, codebook.ErrIO, err)
	}
	return nil
}

// WriteAll writes m to path. On failure the file is removed.
func WriteAll(path string, m *Mapping) (err error) {
	w, err := Create(path, m.header)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	for _, e := range m.entries {
		if err := w.Append(e); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll loads the pitch mapping at path.
func ReadAll(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pitchmap: open %s: %w: %w", path, codebook.ErrNotFound, err)
		}
		return nil, fmt.Errorf("pitchmap: open %s: %w: %w", path, codebook.ErrIO, err)
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}
	return m, nil
}

// Decode reads a pitch mapping from a stream.
func Decode(r io.Reader) (*Mapping, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, min(int(h.TotalEntries), 1<<12))
	for i := int32(0); i < h.TotalEntries; i++ {
		var e Entry
		if err := binary.Read(br, le, &e); err != nil {
			return nil, readErr(fmt.Sprintf("read entry %d", i), err)
		}
		entries = append(entries, e)
	}
	return &Mapping{header: h, entries: entries}, nil
}

// Encode writes m to a stream.
func Encode(w io.Writer, m *Mapping) error {
	bw := bufio.NewWriter(w)
	h := m.header
	h.TotalEntries = int32(len(m.entries))
	if err := WriteHeader(bw, h); err != nil {
		return err
	}
	if err := binary.Write(bw, le, m.entries); err != nil {
		return fmt.Errorf("pitchmap: encode: %w: %w", codebook.ErrIO, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("pitchmap: encode: %w: %w", codebook.ErrIO, err)
	}
	return nil
}
