// Package pitchmap holds the pitch statistics produced next to a codebook
// by the same training run and their binary file format.
//
// The file carries global source and target statistics in Hz and log-Hz,
// followed by one (source, target) pair of per-sentence statistics for
// every training utterance pair.
package pitchmap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// VoicedF0 is the lowest F0 in Hz treated as voiced.
const VoicedF0 = 10

// Kind tells global statistics from per-sentence statistics.
type Kind int32

const (
	Global Kind = iota
	Sentence
)

// Scale is the unit statistics are computed in.
type Scale int32

const (
	Hz Scale = iota
	LogHz
)

func (s Scale) String() string {
	if s == LogHz {
		return "log_hz"
	}
	return "hz"
}

// Statistics summarises the voiced F0 values of a contour. Intercept and
// Slope describe the least-squares line of F0 over normalised time [0,1].
type Statistics struct {
	Kind      Kind    `json:"kind" yaml:"kind"`
	Scale     Scale   `json:"scale" yaml:"scale"`
	Mean      float32 `json:"mean" yaml:"mean"`
	StdDev    float32 `json:"std_dev" yaml:"std_dev"`
	Range     float32 `json:"range" yaml:"range"`
	Min       float32 `json:"min" yaml:"min"`
	Max       float32 `json:"max" yaml:"max"`
	Intercept float32 `json:"intercept" yaml:"intercept"`
	Slope     float32 `json:"slope" yaml:"slope"`
	Count     float32 `json:"count" yaml:"count"`
}

// Header is the fixed-size pitch mapping header.
type Header struct {
	TotalEntries int32         `json:"total_entries" yaml:"total_entries"`
	Type         codebook.Type `json:"type" yaml:"type"`
	SourceHz     Statistics    `json:"source_hz" yaml:"source_hz"`
	TargetHz     Statistics    `json:"target_hz" yaml:"target_hz"`
	SourceLogHz  Statistics    `json:"source_log_hz" yaml:"source_log_hz"`
	TargetLogHz  Statistics    `json:"target_log_hz" yaml:"target_log_hz"`
}

// Entry holds the per-sentence statistics of one utterance pair.
type Entry struct {
	Source Statistics `json:"source" yaml:"source"`
	Target Statistics `json:"target" yaml:"target"`
}

// Mapping is an immutable pitch mapping.
type Mapping struct {
	header  Header
	entries []Entry
}

// New builds a mapping and sets TotalEntries.
func New(h Header, entries []Entry) *Mapping {
	h.TotalEntries = int32(len(entries))
	return &Mapping{header: h, entries: append([]Entry(nil), entries...)}
}

func (m *Mapping) Header() Header    { return m.header }
func (m *Mapping) Len() int          { return len(m.entries) }
func (m *Mapping) Entry(i int) Entry { return m.entries[i] }

// Entries returns a copy of the per-sentence entries.
func (m *Mapping) Entries() []Entry { return append([]Entry(nil), m.entries...) }

// Transform maps a source F0 to the target speaker by matching the global
// log-Hz mean and deviation. Unvoiced values are returned unchanged.
func (m *Mapping) Transform(f0 float64) float64 {
	src, tgt := m.header.SourceLogHz, m.header.TargetLogHz
	if f0 <= VoicedF0 || src.Count == 0 || tgt.Count == 0 {
		return f0
	}
	z := math.Log(f0) - float64(src.Mean)
	if src.StdDev > 0 {
		z *= float64(tgt.StdDev) / float64(src.StdDev)
	}
	return math.Exp(z + float64(tgt.Mean))
}

// Contours is the per-frame F0 of one parallel utterance pair. Unvoiced
// frames carry values at or below VoicedF0.
type Contours struct {
	Source []float64
	Target []float64
}

// Train computes global and per-sentence statistics from the voiced F0 of
// every pair.
func Train(t codebook.Type, pairs []Contours) *Mapping {
	var src, tgt, srcLog, tgtLog points
	entries := make([]Entry, len(pairs))
	for i, p := range pairs {
		s := voiced(p.Source, false)
		g := voiced(p.Target, false)
		entries[i] = Entry{Source: s.stats(Sentence, Hz), Target: g.stats(Sentence, Hz)}
		src.add(s)
		tgt.add(g)
		srcLog.add(voiced(p.Source, true))
		tgtLog.add(voiced(p.Target, true))
	}
	h := Header{
		Type:        t,
		SourceHz:    src.stats(Global, Hz),
		TargetHz:    tgt.stats(Global, Hz),
		SourceLogHz: srcLog.stats(Global, LogHz),
		TargetLogHz: tgtLog.stats(Global, LogHz),
	}
	return New(h, entries)
}

// points are voiced (time, value) samples with time normalised to [0,1]
// within their utterance.
type points struct {
	x, y []float64
}

func (p *points) add(q points) {
	p.x = append(p.x, q.x...)
	p.y = append(p.y, q.y...)
}

func voiced(f0 []float64, log bool) points {
	var p points
	span := float64(max(len(f0)-1, 1))
	for i, v := range f0 {
		if v <= VoicedF0 {
			continue
		}
		if log {
			v = math.Log(v)
		}
		p.x = append(p.x, float64(i)/span)
		p.y = append(p.y, v)
	}
	return p
}

func (p points) stats(k Kind, s Scale) Statistics {
	st := Statistics{Kind: k, Scale: s, Count: float32(len(p.y))}
	if len(p.y) == 0 {
		return st
	}
	mean, std := stat.PopMeanStdDev(p.y, nil)
	lo, hi := floats.Min(p.y), floats.Max(p.y)
	st.Mean = float32(mean)
	st.StdDev = float32(std)
	st.Min = float32(lo)
	st.Max = float32(hi)
	st.Range = float32(hi - lo)
	st.Intercept = float32(mean)
	if len(p.y) >= 2 && floats.Max(p.x) > floats.Min(p.x) {
		alpha, beta := stat.LinearRegression(p.x, p.y, nil, false)
		st.Intercept = float32(alpha)
		st.Slope = float32(beta)
	}
	return st
}

// Validate checks the header type.
func (h Header) Validate() error {
	if !h.Type.Valid() {
		return fmt.Errorf("pitchmap: %w: unknown codebook type %d", codebook.ErrFormat, int32(h.Type))
	}
	if h.TotalEntries < 0 {
		return fmt.Errorf("pitchmap: %w: negative entry count", codebook.ErrFormat)
	}
	return nil
}
