// Package codebook holds the weighted-codebook data model used for voice
// conversion and its binary persistence format.
//
// A codebook is a list of aligned (source, target) speaker feature pairs
// learned from parallel recordings. The trainer appends entries to a
// codebook file; the mapper loads it once and treats it as read-only.
//
// # Immutability
//
// A [Codebook] never exposes its internal slices. [Codebook.Entry] and
// [Codebook.Entries] return deep copies, and all constructors deep-copy
// their input. A loaded codebook is therefore safe for concurrent use.
package codebook

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// Type describes how codebook entries were formed from aligned frames.
type Type int32

const (
	// Frames: one entry per aligned frame pair.
	Frames Type = iota
	// FrameGroups: frames averaged over a small neighbourhood.
	FrameGroups
	// Labels: frames averaged over each aligned label segment.
	Labels
	// LabelGroups: label segments averaged over neighbouring labels.
	LabelGroups
	// Speech: one entry per utterance pair.
	Speech
)

func (t Type) String() string {
	switch t {
	case Frames:
		return "frames"
	case FrameGroups:
		return "frame_groups"
	case Labels:
		return "labels"
	case LabelGroups:
		return "label_groups"
	case Speech:
		return "speech"
	default:
		return fmt.Sprintf("Type(%d)", int32(t))
	}
}

// Valid reports whether t is a known codebook type.
func (t Type) Valid() bool {
	return t >= Frames && t <= Speech
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("codebook: %w: unknown type %d", ErrConfig, int32(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	for c := Frames; c <= Speech; c++ {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("codebook: %w: unknown type %q", ErrConfig, b)
}

// Family is a bitmask of acoustic feature families.
type Family int

const (
	LSF Family = 1 << iota
	F0
	Energy
	Duration
	MFCC

	// All selects every feature family.
	All = LSF | F0 | Energy | Duration | MFCC
)

// Has reports whether f includes every family in g.
func (f Family) Has(g Family) bool { return f&g == g && g != 0 }

// Dim returns the length of a vector holding the families in f.
func (f Family) Dim(lsfDim, mfccDim int) int {
	n := 0
	if f.Has(LSF) {
		n += lsfDim
	}
	if f.Has(F0) {
		n++
	}
	if f.Has(Energy) {
		n++
	}
	if f.Has(Duration) {
		n++
	}
	if f.Has(MFCC) {
		n += mfccDim
	}
	return n
}

// Split returns the single families contained in f, in declared order.
func (f Family) Split() []Family {
	var out []Family
	for _, g := range []Family{LSF, F0, Energy, Duration, MFCC} {
		if f.Has(g) {
			out = append(out, g)
		}
	}
	return out
}

var familyNames = map[Family]string{
	LSF:      "lsf",
	F0:       "f0",
	Energy:   "energy",
	Duration: "duration",
	MFCC:     "mfcc",
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	if f == 0 {
		return "none"
	}
	s := ""
	for _, g := range f.Split() {
		if s != "" {
			s += "+"
		}
		s += familyNames[g]
	}
	return s
}

// MarshalText encodes f as "+"-joined family names, for example "lsf+f0".
func (f Family) MarshalText() ([]byte, error) {
	if f == 0 {
		return []byte{}, nil
	}
	if f&^All != 0 {
		return nil, fmt.Errorf("codebook: %w: unknown feature family bits %#x", ErrConfig, int(f&^All))
	}
	return []byte(f.String()), nil
}

// UnmarshalText accepts names joined by "+" or ",".
func (f *Family) UnmarshalText(b []byte) error {
	names := strings.FieldsFunc(string(b), func(r rune) bool {
		return r == '+' || r == ',' || unicode.IsSpace(r)
	})
	v, err := ParseFamilies(names)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFamilies parses family names such as "lsf" or "f0" and ORs them.
func ParseFamilies(names []string) (Family, error) {
	var f Family
	for _, n := range names {
		if n == "all" {
			f |= All
			continue
		}
		found := false
		for g, name := range familyNames {
			if name == n {
				f |= g
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("codebook: %w: unknown feature family %q", ErrConfig, n)
		}
	}
	return f, nil
}

// Side selects the source or target item of an entry.
type Side int

const (
	Source Side = iota
	Target
)

func (s Side) String() string {
	if s == Target {
		return "target"
	}
	return "source"
}

// Item is one speaker's feature snapshot for one aligned unit.
type Item struct {
	LSF      []float32 `msgpack:"lsf" json:"lsf" yaml:"lsf"`
	F0       float32   `msgpack:"f0" json:"f0" yaml:"f0"`
	Energy   float32   `msgpack:"energy" json:"energy" yaml:"energy"`
	Duration float32   `msgpack:"duration" json:"duration" yaml:"duration"`
	MFCC     []float32 `msgpack:"mfcc,omitempty" json:"mfcc,omitempty" yaml:"mfcc,omitempty"`
}

// Clone returns a deep copy of it.
func (it Item) Clone() Item {
	out := it
	out.LSF = cloneFloats(it.LSF)
	out.MFCC = cloneFloats(it.MFCC)
	return out
}

// Finite reports whether every value in the item is a finite number.
func (it Item) Finite() bool {
	for _, v := range it.LSF {
		if !finite(v) {
			return false
		}
	}
	for _, v := range it.MFCC {
		if !finite(v) {
			return false
		}
	}
	return finite(it.F0) && finite(it.Energy) && finite(it.Duration)
}

// Vector concatenates the families in f in declared order
// (lsf, f0, energy, duration, mfcc).
func (it Item) Vector(f Family) []float64 {
	v := make([]float64, 0, f.Dim(len(it.LSF), len(it.MFCC)))
	return it.AppendVector(v, f)
}

// AppendVector appends the families in f to dst and returns the result.
func (it Item) AppendVector(dst []float64, f Family) []float64 {
	if f.Has(LSF) {
		for _, x := range it.LSF {
			dst = append(dst, float64(x))
		}
	}
	if f.Has(F0) {
		dst = append(dst, float64(it.F0))
	}
	if f.Has(Energy) {
		dst = append(dst, float64(it.Energy))
	}
	if f.Has(Duration) {
		dst = append(dst, float64(it.Duration))
	}
	if f.Has(MFCC) {
		for _, x := range it.MFCC {
			dst = append(dst, float64(x))
		}
	}
	return dst
}

// Entry is an aligned (source, target) pair.
type Entry struct {
	Source Item `msgpack:"source" json:"source" yaml:"source"`
	Target Item `msgpack:"target" json:"target" yaml:"target"`
}

// NewEntry builds an entry from externally owned items. The slices are
// copied so later changes to extractor buffers cannot leak into the entry.
func NewEntry(source, target Item) Entry {
	return Entry{Source: source.Clone(), Target: target.Clone()}
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	return Entry{Source: e.Source.Clone(), Target: e.Target.Clone()}
}

// Item returns the item on the given side.
func (e Entry) Item(s Side) Item {
	if s == Target {
		return e.Target
	}
	return e.Source
}

// LSFParams describe the spectral envelope analysis.
type LSFParams struct {
	SamplingRate int32   `json:"sampling_rate" yaml:"sampling_rate"`
	WindowSize   float32 `json:"window_size" yaml:"window_size"`
	SkipSize     float32 `json:"skip_size" yaml:"skip_size"`
}

// PitchParams describe the pitch tracker configuration.
type PitchParams struct {
	WindowSize float32 `json:"window_size" yaml:"window_size"`
	SkipSize   float32 `json:"skip_size" yaml:"skip_size"`
	MinF0      float32 `json:"min_f0" yaml:"min_f0"`
	MaxF0      float32 `json:"max_f0" yaml:"max_f0"`
}

// EnergyParams describe the energy analysis.
type EnergyParams struct {
	WindowSize float32 `json:"window_size" yaml:"window_size"`
	SkipSize   float32 `json:"skip_size" yaml:"skip_size"`
}

// VocalTractFeature identifies the spectral feature used for matching.
type VocalTractFeature int32

const (
	VocalTractLSF  = VocalTractFeature(LSF)
	VocalTractMFCC = VocalTractFeature(MFCC)
)

// Header is the fixed-size codebook file header.
type Header struct {
	TotalEntries               int32             `json:"total_entries" yaml:"total_entries"`
	Type                       Type              `json:"type" yaml:"type"`
	LsfDim                     int32             `json:"lsf_dim" yaml:"lsf_dim"`
	MfccDim                    int32             `json:"mfcc_dim" yaml:"mfcc_dim"`
	VocalTractFeature          VocalTractFeature `json:"vocal_tract_feature" yaml:"vocal_tract_feature"`
	NumNeighboursInFrameGroups int32             `json:"num_neighbours_in_frame_groups" yaml:"num_neighbours_in_frame_groups"`
	NumNeighboursInLabelGroups int32             `json:"num_neighbours_in_label_groups" yaml:"num_neighbours_in_label_groups"`
	LSF                        LSFParams         `json:"lsf" yaml:"lsf"`
	Pitch                      PitchParams       `json:"pitch" yaml:"pitch"`
	Energy                     EnergyParams      `json:"energy" yaml:"energy"`
}

// MaxDim bounds LsfDim and MfccDim. Headers declaring more are rejected
// before any entry buffer is sized from them.
const MaxDim = 4096

// ItemSize is the encoded size of one item in bytes.
func (h Header) ItemSize() int {
	return 4 * (int(h.LsfDim) + 3 + int(h.MfccDim))
}

// EntrySize is the encoded size of one entry in bytes.
func (h Header) EntrySize() int {
	return 2 * h.ItemSize()
}

// Validate checks the header against the dimensions a consumer expects.
func (h Header) Validate(lsfDim, mfccDim int) error {
	if !h.Type.Valid() {
		return fmt.Errorf("codebook: %w: unknown codebook type %d", ErrFormat, int32(h.Type))
	}
	if int(h.LsfDim) != lsfDim || int(h.MfccDim) != mfccDim {
		return fmt.Errorf("codebook: %w: dims lsf=%d mfcc=%d, want lsf=%d mfcc=%d",
			ErrFormat, h.LsfDim, h.MfccDim, lsfDim, mfccDim)
	}
	return nil
}

// checkDims rejects negative or oversized dimensions.
func (h Header) checkDims() error {
	if h.LsfDim < 0 || h.MfccDim < 0 {
		return errors.New("negative dimension")
	}
	if h.LsfDim > MaxDim || h.MfccDim > MaxDim {
		return fmt.Errorf("dims lsf=%d mfcc=%d exceed %d", h.LsfDim, h.MfccDim, MaxDim)
	}
	return nil
}

// checkItem verifies that it matches the header dimensions.
func (h Header) checkItem(it Item) error {
	if len(it.LSF) != int(h.LsfDim) || len(it.MFCC) != int(h.MfccDim) {
		return fmt.Errorf("item dims lsf=%d mfcc=%d, header lsf=%d mfcc=%d",
			len(it.LSF), len(it.MFCC), h.LsfDim, h.MfccDim)
	}
	return nil
}

// checkEntry verifies both items of e against the header. A dimension
// mismatch wraps ErrConfig, a non-finite value ErrFormat.
func (h Header) checkEntry(e Entry) error {
	if err := h.checkItem(e.Source); err != nil {
		return fmt.Errorf("%w: source %v", ErrConfig, err)
	}
	if err := h.checkItem(e.Target); err != nil {
		return fmt.Errorf("%w: target %v", ErrConfig, err)
	}
	if !e.Source.Finite() || !e.Target.Finite() {
		return fmt.Errorf("%w: non-finite feature value", ErrFormat)
	}
	return nil
}

// Codebook is an immutable, fully loaded codebook.
type Codebook struct {
	header  Header
	entries []Entry
}

// New builds a codebook from a header and entries. Entries are deep-copied
// and TotalEntries is set to len(entries). Entries with the wrong
// dimensions yield ErrConfig; entries holding NaN or Inf yield ErrFormat.
func New(h Header, entries []Entry) (*Codebook, error) {
	if err := h.checkDims(); err != nil {
		return nil, fmt.Errorf("codebook: %w: %v", ErrConfig, err)
	}
	if !h.Type.Valid() {
		return nil, fmt.Errorf("codebook: %w: unknown codebook type %d", ErrConfig, int32(h.Type))
	}
	cp := make([]Entry, len(entries))
	for i, e := range entries {
		if err := h.checkEntry(e); err != nil {
			return nil, fmt.Errorf("codebook: entry %d: %w", i, err)
		}
		cp[i] = e.Clone()
	}
	h.TotalEntries = int32(len(cp))
	return &Codebook{header: h, entries: cp}, nil
}

// Header returns the codebook header.
func (c *Codebook) Header() Header { return c.header }

// Len returns the number of entries.
func (c *Codebook) Len() int { return len(c.entries) }

// Entry returns a copy of entry i.
func (c *Codebook) Entry(i int) Entry { return c.entries[i].Clone() }

// Entries returns a copy of all entries.
func (c *Codebook) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Clone()
	}
	return out
}

// Features returns, for every entry, the families in f of the given side.
func (c *Codebook) Features(s Side, f Family) [][]float64 {
	out := make([][]float64, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Item(s).Vector(f)
	}
	return out
}

func cloneFloats(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
