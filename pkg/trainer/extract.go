package trainer

import (
	"fmt"
	"log/slog"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// VoicedF0 is the threshold above which a frame counts as voiced.
const VoicedF0 = 10

// segment is a group of source frames and the target frames they map to.
// Each segment becomes one codebook entry.
type segment struct {
	src, tgt []int
}

// extraction is the per-pair input to an extraction strategy.
type extraction struct {
	pair    *Pair
	header  codebook.Header
	exclude map[string]bool
	logger  *slog.Logger

	// valid holds the usable frame pairs in alignment order.
	valid    []FramePair
	skipped  int
	excluded int
}

// extractor turns a prepared pair into segments.
type extractor func(x *extraction) []segment

var extractors = map[codebook.Type]extractor{
	codebook.Frames:      extractFrames,
	codebook.FrameGroups: extractFrameGroups,
	codebook.Labels:      extractLabels,
	codebook.LabelGroups: extractLabelGroups,
	codebook.Speech:      extractSpeech,
}

// extracted is the cached result of one pair's extraction.
type extracted struct {
	Entries     []codebook.Entry `msgpack:"entries"`
	Skipped     int              `msgpack:"skipped"`
	Excluded    int              `msgpack:"excluded"`
	Fingerprint string           `msgpack:"fingerprint"`
}

// extract runs the strategy for h.Type on p. Malformed frame pairs are
// skipped and counted; frames inside excluded labels are dropped.
func extract(p *Pair, h codebook.Header, exclude map[string]bool, logger *slog.Logger) (extracted, error) {
	fn, ok := extractors[h.Type]
	if !ok {
		return extracted{}, fmt.Errorf("trainer: %w: no extractor for codebook type %s", codebook.ErrConfig, h.Type)
	}
	x := &extraction{pair: p, header: h, exclude: exclude, logger: logger}
	x.filter()
	var out extracted
	for _, s := range fn(x) {
		if len(s.src) == 0 || len(s.tgt) == 0 {
			continue
		}
		out.Entries = append(out.Entries, codebook.Entry{
			Source: x.average(&p.Source, s.src),
			Target: x.average(&p.Target, s.tgt),
		})
	}
	out.Skipped = x.skipped
	out.Excluded = x.excluded
	return out, nil
}

// filter keeps the frame pairs whose indices are in range, whose frames
// match the header dimensions and hold finite values, and whose source
// frame is not inside an excluded label.
func (x *extraction) filter() {
	src, tgt := &x.pair.Source, &x.pair.Target
	for _, fp := range x.pair.Alignment {
		if reason := x.check(fp); reason != "" {
			x.skipped++
			x.logger.Warn("skipping frame pair",
				"source", src.ID,
				"target", tgt.ID,
				"source_frame", fp.Source,
				"target_frame", fp.Target,
				"reason", reason)
			continue
		}
		if x.excludedFrame(src, fp.Source) {
			x.excluded++
			continue
		}
		x.valid = append(x.valid, fp)
	}
}

func (x *extraction) check(fp FramePair) string {
	src, tgt := &x.pair.Source, &x.pair.Target
	if fp.Source < 0 || fp.Source >= len(src.Frames) || fp.Target < 0 || fp.Target >= len(tgt.Frames) {
		return "index out of range"
	}
	for _, it := range []codebook.Item{src.Frames[fp.Source], tgt.Frames[fp.Target]} {
		if len(it.LSF) != int(x.header.LsfDim) || len(it.MFCC) != int(x.header.MfccDim) {
			return "dimension mismatch"
		}
		if !it.Finite() {
			return "non-finite value"
		}
	}
	return ""
}

func (x *extraction) excludedFrame(u *Utterance, i int) bool {
	if len(x.exclude) == 0 {
		return false
	}
	j := u.labelAt(i)
	return j >= 0 && x.exclude[u.Labels[j].Phone]
}

// usable returns the frames of one side that appear in a valid pair.
func (x *extraction) usable(side codebook.Side) map[int]bool {
	ok := make(map[int]bool, len(x.valid))
	for _, fp := range x.valid {
		if side == codebook.Source {
			ok[fp.Source] = true
		} else {
			ok[fp.Target] = true
		}
	}
	return ok
}

// duration of frame i: the length of its label when labels exist, else
// the frame's own value. Label lengths are in seconds when the LSF skip
// size is known and in frames otherwise.
func (x *extraction) duration(u *Utterance, i int) float64 {
	j := u.labelAt(i)
	if j < 0 {
		return float64(u.Frames[i].Duration)
	}
	start, end := u.segment(j)
	d := float64(end - start)
	if skip := float64(x.header.LSF.SkipSize); skip > 0 {
		d *= skip
	}
	return d
}

// average blends frames idx of u into one item. F0 averages voiced frames
// only and is zero when none is voiced.
func (x *extraction) average(u *Utterance, idx []int) codebook.Item {
	lsfDim, mfccDim := int(x.header.LsfDim), int(x.header.MfccDim)
	lsf := make([]float64, lsfDim)
	mfcc := make([]float64, mfccDim)
	var f0, energy, dur float64
	voiced := 0
	for _, i := range idx {
		fr := u.Frames[i]
		for k, v := range fr.LSF {
			lsf[k] += float64(v)
		}
		for k, v := range fr.MFCC {
			mfcc[k] += float64(v)
		}
		if fr.F0 > VoicedF0 {
			f0 += float64(fr.F0)
			voiced++
		}
		energy += float64(fr.Energy)
		dur += x.duration(u, i)
	}
	n := float64(len(idx))
	it := codebook.Item{
		LSF:      make([]float32, lsfDim),
		Energy:   float32(energy / n),
		Duration: float32(dur / n),
	}
	for k := range lsf {
		it.LSF[k] = float32(lsf[k] / n)
	}
	if mfccDim > 0 {
		it.MFCC = make([]float32, mfccDim)
		for k := range mfcc {
			it.MFCC[k] = float32(mfcc[k] / n)
		}
	}
	if voiced > 0 {
		it.F0 = float32(f0 / float64(voiced))
	}
	return it
}

func extractFrames(x *extraction) []segment {
	out := make([]segment, len(x.valid))
	for i, fp := range x.valid {
		out[i] = segment{src: []int{fp.Source}, tgt: []int{fp.Target}}
	}
	return out
}

// extractFrameGroups averages each aligned frame pair with its
// NumNeighboursInFrameGroups neighbours on either side.
func extractFrameGroups(x *extraction) []segment {
	n := int(x.header.NumNeighboursInFrameGroups)
	out := make([]segment, len(x.valid))
	for i := range x.valid {
		var s segment
		for _, fp := range x.valid[max(i-n, 0):min(i+n+1, len(x.valid))] {
			s.src = append(s.src, fp.Source)
			s.tgt = append(s.tgt, fp.Target)
		}
		out[i] = s
	}
	return out
}

// labelSegments pairs source and target labels. Labels are paired by index
// when both phone sequences match; otherwise each source label takes the
// target frames aligned to its frames.
func (x *extraction) labelSegments() []segment {
	src, tgt := &x.pair.Source, &x.pair.Target
	if len(src.Labels) == 0 {
		return nil
	}
	srcOK := x.usable(codebook.Source)
	tgtOK := x.usable(codebook.Target)

	var out []segment
	if samePhones(src.Labels, tgt.Labels) {
		for j := range src.Labels {
			var s segment
			a, b := src.segment(j)
			for i := a; i < b; i++ {
				if srcOK[i] {
					s.src = append(s.src, i)
				}
			}
			a, b = tgt.segment(j)
			for i := a; i < b; i++ {
				if tgtOK[i] {
					s.tgt = append(s.tgt, i)
				}
			}
			out = append(out, s)
		}
		return out
	}

	type seen struct{ src, tgt map[int]bool }
	byLabel := make([]segment, len(src.Labels))
	marks := make([]seen, len(src.Labels))
	for _, fp := range x.valid {
		j := src.labelAt(fp.Source)
		if j < 0 {
			continue
		}
		m := &marks[j]
		if m.src == nil {
			m.src, m.tgt = make(map[int]bool), make(map[int]bool)
		}
		if !m.src[fp.Source] {
			m.src[fp.Source] = true
			byLabel[j].src = append(byLabel[j].src, fp.Source)
		}
		if !m.tgt[fp.Target] {
			m.tgt[fp.Target] = true
			byLabel[j].tgt = append(byLabel[j].tgt, fp.Target)
		}
	}
	return byLabel
}

func samePhones(a, b []Label) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Phone != b[i].Phone {
			return false
		}
	}
	return true
}

func extractLabels(x *extraction) []segment {
	segs := x.labelSegments()
	if segs == nil {
		x.noLabels()
	}
	return segs
}

// extractLabelGroups merges each label segment with its
// NumNeighboursInLabelGroups neighbours on either side.
func extractLabelGroups(x *extraction) []segment {
	segs := x.labelSegments()
	if segs == nil {
		x.noLabels()
		return nil
	}
	n := int(x.header.NumNeighboursInLabelGroups)
	out := make([]segment, len(segs))
	for i := range segs {
		var s segment
		for _, g := range segs[max(i-n, 0):min(i+n+1, len(segs))] {
			s.src = append(s.src, g.src...)
			s.tgt = append(s.tgt, g.tgt...)
		}
		out[i] = s
	}
	return out
}

// extractSpeech averages all usable frames of each utterance.
func extractSpeech(x *extraction) []segment {
	var s segment
	srcOK := x.usable(codebook.Source)
	tgtOK := x.usable(codebook.Target)
	for i := range x.pair.Source.Frames {
		if srcOK[i] {
			s.src = append(s.src, i)
		}
	}
	for i := range x.pair.Target.Frames {
		if tgtOK[i] {
			s.tgt = append(s.tgt, i)
		}
	}
	return []segment{s}
}

// noLabels counts the whole pair as skipped when a label-based type meets
// an unlabelled utterance.
func (x *extraction) noLabels() {
	x.skipped += len(x.valid)
	x.logger.Warn("skipping unlabelled pair",
		"source", x.pair.Source.ID,
		"target", x.pair.Target.ID,
		"type", x.header.Type.String())
}
