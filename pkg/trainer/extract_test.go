package trainer

import (
	"log/slog"
	"math"
	"slices"
	"testing"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

func frame(lsf, f0 float32) codebook.Item {
	return codebook.Item{LSF: []float32{lsf, lsf + 1}, F0: f0, Energy: 1, Duration: 0.01}
}

func identity(n int) []FramePair {
	out := make([]FramePair, n)
	for i := range out {
		out[i] = FramePair{Source: i, Target: i}
	}
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-5 }

func testHeader(t codebook.Type) codebook.Header {
	return codebook.Header{Type: t, LsfDim: 2, NumNeighboursInFrameGroups: 1, NumNeighboursInLabelGroups: 1}
}

func TestLinearAligner(t *testing.T) {
	src := make([]codebook.Item, 3)
	tgt := make([]codebook.Item, 5)
	got := LinearAligner{}.Align(src, tgt)
	want := []FramePair{{0, 0}, {1, 2}, {2, 4}}
	if !slices.Equal(got, want) {
		t.Fatalf("Align = %v, want %v", got, want)
	}
	if (LinearAligner{}).Align(nil, tgt) != nil {
		t.Fatal("expected nil alignment for empty source")
	}
}

func TestDTWAlignerIdentity(t *testing.T) {
	frames := []codebook.Item{frame(1, 100), frame(2, 100), frame(3, 100)}
	got := DTWAligner{}.Align(frames, frames)
	if !slices.Equal(got, identity(3)) {
		t.Fatalf("Align = %v", got)
	}
}

func TestDTWAlignerStretch(t *testing.T) {
	src := []codebook.Item{frame(1, 100), frame(5, 100)}
	tgt := []codebook.Item{frame(1, 100), frame(1, 100), frame(5, 100), frame(5, 100)}
	got := DTWAligner{}.Align(src, tgt)
	want := []FramePair{{0, 0}, {0, 1}, {1, 2}, {1, 3}}
	if !slices.Equal(got, want) {
		t.Fatalf("Align = %v, want %v", got, want)
	}

	banded := DTWAligner{Window: 1}.Align(src, tgt)
	if banded[0] != (FramePair{0, 0}) || banded[len(banded)-1] != (FramePair{1, 3}) {
		t.Fatalf("banded path endpoints = %v", banded)
	}
}

func TestDTWAlignerNarrowBandFollowsSteepDiagonal(t *testing.T) {
	src := []codebook.Item{frame(1, 100), frame(5, 100), frame(9, 100)}
	var tgt []codebook.Item
	for range 6 {
		tgt = append(tgt, frame(1, 100))
	}
	tgt = append(tgt, frame(5, 100))
	for range 6 {
		tgt = append(tgt, frame(9, 100))
	}
	want := []FramePair{{0, 0}, {0, 1}, {0, 2}, {0, 3}, {0, 4}, {0, 5}, {1, 6},
		{2, 7}, {2, 8}, {2, 9}, {2, 10}, {2, 11}, {2, 12}}

	if got := (DTWAligner{}).Align(src, tgt); !slices.Equal(got, want) {
		t.Fatalf("unconstrained Align = %v, want %v", got, want)
	}
	if got := (DTWAligner{Window: 1}).Align(src, tgt); !slices.Equal(got, want) {
		t.Fatalf("banded Align = %v, want %v", got, want)
	}

	one := []codebook.Item{frame(1, 100)}
	got := DTWAligner{Window: 1}.Align(one, tgt[:3])
	if !slices.Equal(got, []FramePair{{0, 0}, {0, 1}, {0, 2}}) {
		t.Fatalf("single source frame Align = %v", got)
	}
}

func TestDTWBand(t *testing.T) {
	tests := []struct {
		window, n, m, want int
	}{
		{0, 3, 13, 0},
		{1, 3, 13, 6},
		{8, 3, 13, 8},
		{1, 13, 3, 1},
		{1, 4, 6, 2},
		{1, 1, 5, 4},
	}
	for _, tt := range tests {
		if got := (DTWAligner{Window: tt.window}).band(tt.n, tt.m); got != tt.want {
			t.Errorf("band(window=%d, n=%d, m=%d) = %d, want %d", tt.window, tt.n, tt.m, got, tt.want)
		}
	}
}

func TestNewAlignerUnknown(t *testing.T) {
	if _, err := NewAligner("viterbi"); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtractFramesSkipsMalformed(t *testing.T) {
	nan := float32(math.NaN())
	p := &Pair{
		Source: Utterance{ID: "s", Frames: []codebook.Item{frame(1, 100), frame(2, 100), {LSF: []float32{nan, 1}}}},
		Target: Utterance{ID: "t", Frames: []codebook.Item{frame(3, 200), frame(4, 200), frame(5, 200)}},
		Alignment: []FramePair{
			{0, 0}, {1, 1},
			{2, 2}, // non-finite source
			{1, 9}, // out of range
		},
	}
	x, err := extract(p, testHeader(codebook.Frames), nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Entries) != 2 || x.Skipped != 2 {
		t.Fatalf("entries=%d skipped=%d, want 2 and 2", len(x.Entries), x.Skipped)
	}
	e := x.Entries[1]
	if e.Source.LSF[0] != 2 || e.Target.LSF[0] != 4 || e.Target.F0 != 200 {
		t.Fatalf("entry 1 = %+v", e)
	}
}

func TestExtractFrameGroups(t *testing.T) {
	frames := []codebook.Item{frame(1, 100), frame(2, 100), frame(3, 100)}
	p := &Pair{Source: Utterance{Frames: frames}, Target: Utterance{Frames: frames}, Alignment: identity(3)}
	x, err := extract(p, testHeader(codebook.FrameGroups), nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1.5, 2, 2.5}
	for i, e := range x.Entries {
		if !near(float64(e.Source.LSF[0]), want[i]) {
			t.Fatalf("entry %d lsf = %v, want %v", i, e.Source.LSF[0], want[i])
		}
	}
}

func TestExtractLabelsExcludesAndSetsDuration(t *testing.T) {
	labels := []Label{{End: 2, Phone: "a"}, {End: 4, Phone: "_"}}
	frames := []codebook.Item{frame(1, 100), frame(3, 0), frame(9, 0), frame(9, 0)}
	p := &Pair{
		Source:    Utterance{Frames: frames, Labels: labels},
		Target:    Utterance{Frames: frames, Labels: labels},
		Alignment: identity(4),
	}
	h := testHeader(codebook.Labels)
	h.LSF.SkipSize = 0.005
	x, err := extract(p, h, map[string]bool{"_": true}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Entries) != 1 || x.Excluded != 2 {
		t.Fatalf("entries=%d excluded=%d, want 1 and 2", len(x.Entries), x.Excluded)
	}
	src := x.Entries[0].Source
	if !near(float64(src.LSF[0]), 2) || src.F0 != 100 || !near(float64(src.Duration), 0.01) {
		t.Fatalf("source = %+v", src)
	}
}

func TestExtractLabelsByAlignment(t *testing.T) {
	p := &Pair{
		Source: Utterance{
			Frames: []codebook.Item{frame(1, 100), frame(2, 100)},
			Labels: []Label{{End: 1, Phone: "a"}, {End: 2, Phone: "b"}},
		},
		Target: Utterance{
			Frames: []codebook.Item{frame(5, 100), frame(6, 100), frame(7, 100)},
			Labels: []Label{{End: 3, Phone: "ab"}},
		},
		Alignment: []FramePair{{0, 0}, {0, 1}, {1, 2}},
	}
	x, err := extract(p, testHeader(codebook.Labels), nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(x.Entries))
	}
	if !near(float64(x.Entries[0].Target.LSF[0]), 5.5) || x.Entries[1].Target.LSF[0] != 7 {
		t.Fatalf("targets = %v, %v", x.Entries[0].Target.LSF, x.Entries[1].Target.LSF)
	}
}

func TestExtractLabelsWithoutLabelsSkips(t *testing.T) {
	frames := []codebook.Item{frame(1, 100), frame(2, 100)}
	p := &Pair{Source: Utterance{Frames: frames}, Target: Utterance{Frames: frames}, Alignment: identity(2)}
	x, err := extract(p, testHeader(codebook.LabelGroups), nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Entries) != 0 || x.Skipped != 2 {
		t.Fatalf("entries=%d skipped=%d", len(x.Entries), x.Skipped)
	}
}

func TestExtractSpeechVoicedF0(t *testing.T) {
	frames := []codebook.Item{frame(1, 100), frame(2, 0), frame(3, 200)}
	p := &Pair{Source: Utterance{Frames: frames}, Target: Utterance{Frames: frames}, Alignment: identity(3)}
	x, err := extract(p, testHeader(codebook.Speech), nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(x.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(x.Entries))
	}
	if f0 := x.Entries[0].Source.F0; f0 != 150 {
		t.Fatalf("f0 = %v, want 150", f0)
	}
	if lsf := x.Entries[0].Source.LSF[0]; lsf != 2 {
		t.Fatalf("lsf = %v, want 2", lsf)
	}
}

func TestExtractorRegistryCoversAllTypes(t *testing.T) {
	for _, typ := range []codebook.Type{codebook.Frames, codebook.FrameGroups, codebook.Labels, codebook.LabelGroups, codebook.Speech} {
		if extractors[typ] == nil {
			t.Errorf("no extractor for %s", typ)
		}
	}
}
