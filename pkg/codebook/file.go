package codebook

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
)

// Binary layout (little-endian, no magic, no version):
//
//	[4B totalEntries] [4B type] [4B lsfDim] [4B mfccDim]
//	[4B vocalTractFeature] [4B numNeighboursInFrameGroups]
//	[4B numNeighboursInLabelGroups]
//	[4B lsf.samplingRate] [4B lsf.windowSize] [4B lsf.skipSize]
//	[4B pitch.windowSize] [4B pitch.skipSize] [4B pitch.minF0] [4B pitch.maxF0]
//	[4B energy.windowSize] [4B energy.skipSize]
//	For each entry, source item then target item:
//	  [lsfDim × 4B lsf] [4B f0] [4B energy] [4B duration] [mfccDim × 4B mfcc]
//
// totalEntries sits at offset 0 and is rewritten after every append.

// HeaderSize is the encoded header size in bytes.
const HeaderSize = 64

var le = binary.LittleEndian

// WriteHeader writes h in the fixed field order.
func WriteHeader(w io.Writer, h Header) error {
	if err := binary.Write(w, le, h); err != nil {
		return fmt.Errorf("codebook: write header: %w: %w", ErrIO, err)
	}
	return nil
}

// ReadHeader reads a header written by WriteHeader.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, le, &h); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("codebook: read header: %w: truncated header", ErrFormat)
		}
		return Header{}, fmt.Errorf("codebook: read header: %w: %w", ErrIO, err)
	}
	if h.TotalEntries < 0 {
		return Header{}, fmt.Errorf("codebook: read header: %w: negative entry count", ErrFormat)
	}
	if err := h.checkDims(); err != nil {
		return Header{}, fmt.Errorf("codebook: read header: %w: %v", ErrFormat, err)
	}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("codebook: read header: %w: unknown codebook type %d", ErrFormat, int32(h.Type))
	}
	return h, nil
}

func putItem(buf []byte, it Item) []byte {
	put := func(v float32) {
		buf = le.AppendUint32(buf, math.Float32bits(v))
	}
	for _, v := range it.LSF {
		put(v)
	}
	put(it.F0)
	put(it.Energy)
	put(it.Duration)
	for _, v := range it.MFCC {
		put(v)
	}
	return buf
}

func getItem(buf []byte, h Header) (Item, []byte) {
	get := func() float32 {
		v := math.Float32frombits(le.Uint32(buf))
		buf = buf[4:]
		return v
	}
	it := Item{LSF: make([]float32, h.LsfDim)}
	for i := range it.LSF {
		it.LSF[i] = get()
	}
	it.F0 = get()
	it.Energy = get()
	it.Duration = get()
	if h.MfccDim > 0 {
		it.MFCC = make([]float32, h.MfccDim)
		for i := range it.MFCC {
			it.MFCC[i] = get()
		}
	}
	return it, buf
}

func encodeEntry(buf []byte, e Entry) []byte {
	buf = putItem(buf, e.Source)
	return putItem(buf, e.Target)
}

func decodeEntry(buf []byte, h Header) Entry {
	src, rest := getItem(buf, h)
	tgt, _ := getItem(rest, h)
	return Entry{Source: src, Target: tgt}
}

// Mode is the access mode of a File. A File is in exactly one mode.
type Mode int

const (
	ModeRead Mode = iota + 1
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "closed"
	}
}

// File is a codebook file handle opened either read-only or write-only.
//
// In write mode every AppendEntry writes the entry and then rewrites the
// entry counter at offset 0. The two writes are not atomic: a crash between
// them leaves a counter that is one short. Use [Repair] to recompute the
// counter from the file length.
//
// A File is not safe for concurrent use, and two Files must not write the
// same path.
type File struct {
	path   string
	mode   Mode
	f      *os.File
	br     *bufio.Reader
	header Header
	read   int32
	buf    []byte
}

// Open opens an existing codebook for reading and reads its header.
func Open(path string) (*File, error) {
	cf := &File{path: path}
	if err := cf.openRead(); err != nil {
		return nil, err
	}
	return cf, nil
}

// Create creates or truncates path, opens it for writing and writes h with
// a zero entry counter.
func Create(path string, h Header) (*File, error) {
	if !h.Type.Valid() {
		return nil, fmt.Errorf("codebook: create %s: %w: unknown codebook type %d", path, ErrConfig, int32(h.Type))
	}
	if err := h.checkDims(); err != nil {
		return nil, fmt.Errorf("codebook: create %s: %w: %v", path, ErrConfig, err)
	}
	cf := &File{path: path, header: h}
	if err := cf.openWrite(); err != nil {
		return nil, err
	}
	return cf, nil
}

func (cf *File) openRead() error {
	f, err := os.Open(cf.path)
	if err != nil {
		return openErr(cf.path, err)
	}
	br := bufio.NewReader(f)
	h, err := ReadHeader(br)
	if err != nil {
		f.Close()
		return fmt.Errorf("codebook: open %s: %w", cf.path, err)
	}
	cf.f, cf.br, cf.header, cf.read, cf.mode = f, br, h, 0, ModeRead
	return nil
}

func (cf *File) openWrite() error {
	f, err := os.OpenFile(cf.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return openErr(cf.path, err)
	}
	h := cf.header
	h.TotalEntries = 0
	if err := WriteHeader(f, h); err != nil {
		f.Close()
		return fmt.Errorf("codebook: create %s: %w", cf.path, err)
	}
	cf.f, cf.br, cf.header, cf.read, cf.mode = f, nil, h, 0, ModeWrite
	return nil
}

func openErr(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("codebook: open %s: %w: %w", path, ErrNotFound, err)
	}
	return fmt.Errorf("codebook: open %s: %w: %w", path, ErrIO, err)
}

// Path returns the file path.
func (cf *File) Path() string { return cf.path }

// Mode returns the current access mode, or 0 when closed.
func (cf *File) Mode() Mode { return cf.mode }

// Header returns the header as currently known. In write mode
// TotalEntries counts the entries appended so far.
func (cf *File) Header() Header { return cf.header }

// Reopen closes the handle and opens it again in mode. Reopening for
// writing truncates the file and writes the last known header with a zero
// counter; reopening for reading rereads the header from disk.
func (cf *File) Reopen(mode Mode) error {
	if err := cf.Close(); err != nil {
		return err
	}
	switch mode {
	case ModeRead:
		return cf.openRead()
	case ModeWrite:
		return cf.openWrite()
	default:
		return fmt.Errorf("codebook: reopen %s: %w: invalid mode %d", cf.path, ErrConfig, int(mode))
	}
}

// AppendEntry writes e at the end of the file and then rewrites the entry
// counter in the header.
func (cf *File) AppendEntry(e Entry) error {
	if cf.mode != ModeWrite {
		return fmt.Errorf("codebook: append to %s: %w: file is in %s mode", cf.path, ErrIO, cf.mode)
	}
	if err := cf.header.checkEntry(e); err != nil {
		return fmt.Errorf("codebook: append to %s: %w", cf.path, err)
	}

	cf.buf = encodeEntry(cf.buf[:0], e)
	if _, err := cf.f.Write(cf.buf); err != nil {
		return fmt.Errorf("codebook: append to %s: %w: %w", cf.path, ErrIO, err)
	}

	// WriteAt leaves the append offset untouched, so the next entry still
	// lands at the end of the file.
	var counter [4]byte
	le.PutUint32(counter[:], uint32(cf.header.TotalEntries+1))
	if _, err := cf.f.WriteAt(counter[:], 0); err != nil {
		return fmt.Errorf("codebook: update entry count in %s: %w: %w", cf.path, ErrIO, err)
	}
	cf.header.TotalEntries++
	return nil
}

// ReadEntry reads the next entry. It returns io.EOF after TotalEntries
// entries.
func (cf *File) ReadEntry() (Entry, error) {
	if cf.mode != ModeRead {
		return Entry{}, fmt.Errorf("codebook: read from %s: %w: file is in %s mode", cf.path, ErrIO, cf.mode)
	}
	if cf.read >= cf.header.TotalEntries {
		return Entry{}, io.EOF
	}
	e, err := readEntry(cf.br, cf.header, &cf.buf)
	if err != nil {
		return Entry{}, fmt.Errorf("codebook: read entry %d from %s: %w", cf.read, cf.path, err)
	}
	cf.read++
	return e, nil
}

func readEntry(r io.Reader, h Header, scratch *[]byte) (Entry, error) {
	n := h.EntrySize()
	if cap(*scratch) < n {
		*scratch = make([]byte, n)
	}
	buf := (*scratch)[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, fmt.Errorf("%w: truncated entry", ErrFormat)
		}
		return Entry{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	e := decodeEntry(buf, h)
	if !e.Source.Finite() || !e.Target.Finite() {
		return Entry{}, fmt.Errorf("%w: non-finite feature value", ErrFormat)
	}
	return e, nil
}

// Close closes the handle. Closing a closed File is a no-op.
func (cf *File) Close() error {
	if cf.f == nil {
		return nil
	}
	err := cf.f.Close()
	cf.f, cf.br, cf.mode = nil, nil, 0
	if err != nil {
		return fmt.Errorf("codebook: close %s: %w: %w", cf.path, ErrIO, err)
	}
	return nil
}

// ReadAll loads the whole codebook at path. The stored entry counter is
// trusted; a file holding fewer entries than the counter is rejected with
// ErrFormat.
func ReadAll(path string) (*Codebook, error) {
	cf, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer cf.Close()

	fi, err := cf.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("codebook: stat %s: %w: %w", path, ErrIO, err)
	}
	// ReadHeader bounds the dimensions, so the product fits in int64.
	h := cf.header
	if need := int64(HeaderSize) + int64(h.TotalEntries)*int64(h.EntrySize()); fi.Size() < need {
		return nil, fmt.Errorf("codebook: read %s: %w: header declares %d entries but file has %d bytes, want %d",
			path, ErrFormat, h.TotalEntries, fi.Size(), need)
	}

	entries := make([]Entry, 0, h.TotalEntries)
	for {
		e, err := cf.ReadEntry()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return &Codebook{header: h, entries: entries}, nil
}

// Decode reads a codebook from a sequential stream, such as an object
// store body. The stream length is unknown, so entries are read one at a
// time and the counter is only trusted until the stream runs short.
func Decode(r io.Reader) (*Codebook, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, min(int(h.TotalEntries), 1<<16))
	var scratch []byte
	for i := int32(0); i < h.TotalEntries; i++ {
		e, err := readEntry(br, h, &scratch)
		if err != nil {
			return nil, fmt.Errorf("codebook: decode entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return &Codebook{header: h, entries: entries}, nil
}

// WriteAll writes cb to path, truncating any existing file. On failure the
// partially written file is removed.
func WriteAll(path string, cb *Codebook) (err error) {
	cf, err := Create(path, cb.header)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cf.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	for _, e := range cb.entries {
		if err := cf.AppendEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes cb to a sequential stream. The counter is written once,
// up front.
func Encode(w io.Writer, cb *Codebook) error {
	bw := bufio.NewWriter(w)
	h := cb.header
	h.TotalEntries = int32(len(cb.entries))
	if err := WriteHeader(bw, h); err != nil {
		return err
	}
	var buf []byte
	for _, e := range cb.entries {
		buf = encodeEntry(buf[:0], e)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("codebook: encode: %w: %w", ErrIO, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("codebook: encode: %w: %w", ErrIO, err)
	}
	return nil
}

// Repair recomputes the entry counter of the codebook at path from the
// file length, drops a trailing partial entry and rewrites the counter.
// It returns the number of complete entries.
func Repair(path string) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, openErr(path, err)
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if err != nil {
		return 0, fmt.Errorf("codebook: repair %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("codebook: repair %s: %w: %w", path, ErrIO, err)
	}
	size := int64(h.EntrySize())
	n := (fi.Size() - HeaderSize) / size
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("codebook: repair %s: %w: too many entries", path, ErrFormat)
	}
	if err := f.Truncate(HeaderSize + n*size); err != nil {
		return 0, fmt.Errorf("codebook: repair %s: %w: %w", path, ErrIO, err)
	}
	var counter [4]byte
	le.PutUint32(counter[:], uint32(n))
	if _, err := f.WriteAt(counter[:], 0); err != nil {
		return 0, fmt.Errorf("codebook: repair %s: %w: %w", path, ErrIO, err)
	}
	return int(n), nil
}
