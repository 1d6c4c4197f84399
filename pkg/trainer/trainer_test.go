package trainer_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/kv"
	"github.com/marytts/marytts-sub027/pkg/pitchmap"
	"github.com/marytts/marytts-sub027/pkg/storage"
	"github.com/marytts/marytts-sub027/pkg/trainer"
)

func item(lsf, f0 float32) codebook.Item {
	return codebook.Item{LSF: []float32{lsf, lsf + 0.5}, F0: f0, Energy: 1}
}

func utterance(id string, base, f0 float32, n int) trainer.Utterance {
	u := trainer.Utterance{ID: id}
	for i := range n {
		u.Frames = append(u.Frames, item(base+float32(i), f0))
	}
	return u
}

func testCorpus() trainer.Corpus {
	return trainer.Corpus{Pairs: []trainer.Pair{
		{Source: utterance("s1", 1, 100, 4), Target: utterance("t1", 2, 200, 4)},
		{Source: utterance("s2", 1, 110, 3), Target: utterance("t2", 2, 220, 5)},
	}}
}

func newStore(t *testing.T) *storage.Local {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newCache(t *testing.T) *trainer.Cache {
	t.Helper()
	c := trainer.NewCache(kv.NewMemory(&kv.Options{Separator: trainer.CacheSeparator}))
	t.Cleanup(func() { c.Close() })
	return c
}

func params() trainer.Params {
	return trainer.Params{
		Header:       codebook.Header{Type: codebook.Frames},
		CodebookPath: "voices/alice.bin",
		Aligner:      trainer.AlignLinear,
	}
}

func TestRunPublishesArtifacts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	tr, err := trainer.New(params(), trainer.Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if tr.State() != trainer.Init {
		t.Fatalf("initial state = %s", tr.State())
	}

	rep, err := tr.Run(ctx, testCorpus())
	if err != nil {
		t.Fatal(err)
	}
	if tr.State() != trainer.Done {
		t.Fatalf("state = %s, want done", tr.State())
	}
	want := []trainer.State{trainer.Init, trainer.Align, trainer.Extract,
		trainer.EliminateGaussian, trainer.EliminateKMeans, trainer.Persist, trainer.Done}
	if !slices.Equal(rep.States, want) {
		t.Fatalf("states = %v", rep.States)
	}
	if rep.RunID == "" || rep.Candidates != 7 || rep.Entries != 7 || rep.Skipped != 0 {
		t.Fatalf("report = %+v", rep)
	}

	cb, err := storage.Load(ctx, store, "voices/alice.bin", codebook.Decode)
	if err != nil {
		t.Fatal(err)
	}
	h := cb.Header()
	if h.LsfDim != 2 || h.MfccDim != 0 || cb.Len() != 7 {
		t.Fatalf("codebook lsf=%d mfcc=%d len=%d", h.LsfDim, h.MfccDim, cb.Len())
	}
	if e := cb.Entry(0); e.Source.F0 != 100 || e.Target.F0 != 200 {
		t.Fatalf("entry 0 = %+v", e)
	}

	pm, err := storage.Load(ctx, store, "voices/alice.ptc", pitchmap.Decode)
	if err != nil {
		t.Fatal(err)
	}
	if pm.Len() != 2 || pm.Header().TargetHz.Count != 9 {
		t.Fatalf("pitch mapping len=%d target count=%v", pm.Len(), pm.Header().TargetHz.Count)
	}

	if _, err := tr.Run(ctx, testCorpus()); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestRunDimensionMismatch(t *testing.T) {
	store := newStore(t)
	c := testCorpus()
	c.Pairs[1].Target.Frames[0].LSF = []float32{1, 2, 3}

	tr, _ := trainer.New(params(), trainer.Options{Store: store})
	rep, err := tr.Run(context.Background(), c)
	if !errors.Is(err, codebook.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if tr.State() != trainer.Failed || rep.States[len(rep.States)-1] != trainer.Failed {
		t.Fatalf("state = %s", tr.State())
	}
	if ok, _ := store.Exists(context.Background(), "voices/alice.bin"); ok {
		t.Fatal("codebook left behind")
	}
}

func TestRunCountsSkippedPairs(t *testing.T) {
	c := testCorpus()
	c.Pairs[0].Alignment = []trainer.FramePair{{0, 0}, {1, 1}, {7, 1}}
	tr, _ := trainer.New(params(), trainer.Options{Store: newStore(t)})
	rep, err := tr.Run(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 1 || rep.Candidates != 5 {
		t.Fatalf("skipped=%d candidates=%d", rep.Skipped, rep.Candidates)
	}
}

func TestRunReusesCache(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)

	run := func(p trainer.Params) *trainer.Report {
		t.Helper()
		tr, err := trainer.New(p, trainer.Options{Store: newStore(t), Cache: cache})
		if err != nil {
			t.Fatal(err)
		}
		rep, err := tr.Run(ctx, testCorpus())
		if err != nil {
			t.Fatal(err)
		}
		return rep
	}

	if rep := run(params()); rep.CacheHits != 0 {
		t.Fatalf("first run hits = %d", rep.CacheHits)
	}
	if n, _ := cache.Len(ctx); n != 2 {
		t.Fatalf("cache len = %d, want 2", n)
	}
	if rep := run(params()); rep.CacheHits != 2 || rep.Entries != 7 {
		t.Fatalf("second run hits=%d entries=%d", rep.CacheHits, rep.Entries)
	}

	forced := params()
	forced.ForcedAnalysis = true
	if rep := run(forced); rep.CacheHits != 0 {
		t.Fatalf("forced run hits = %d", rep.CacheHits)
	}

	grouped := params()
	grouped.Header.NumNeighboursInFrameGroups = 2
	if rep := run(grouped); rep.CacheHits != 0 {
		t.Fatalf("changed parameters should miss, hits = %d", rep.CacheHits)
	}

	n, err := cache.Purge(ctx, codebook.Frames)
	if err != nil || n != 2 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
}

// failingStore refuses to write one path.
type failingStore struct {
	storage.FileStore
	fail string
}

func (s failingStore) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	if path == s.fail {
		return nil, errors.New("disk full")
	}
	return s.FileStore.Write(ctx, path)
}

func TestRunRemovesPartialArtifacts(t *testing.T) {
	ctx := context.Background()
	local := newStore(t)
	work := t.TempDir()
	p := params()
	p.WorkDir = work

	tr, _ := trainer.New(p, trainer.Options{Store: failingStore{FileStore: local, fail: "voices/alice.ptc"}})
	if _, err := tr.Run(ctx, testCorpus()); !errors.Is(err, codebook.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if ok, _ := local.Exists(ctx, "voices/alice.bin"); ok {
		t.Fatal("published codebook not removed")
	}
	left, _ := os.ReadDir(work)
	if len(left) != 0 {
		t.Fatalf("work dir not cleaned: %v", left)
	}
}

func TestNewValidates(t *testing.T) {
	store := newStore(t)
	tests := []struct {
		name   string
		mutate func(*trainer.Params)
	}{
		{"no codebook path", func(p *trainer.Params) { p.CodebookPath = "" }},
		{"bad type", func(p *trainer.Params) { p.Header.Type = 42 }},
		{"bad aligner", func(p *trainer.Params) { p.Aligner = "viterbi" }},
		{"same paths", func(p *trainer.Params) { p.PitchMappingPath = p.CodebookPath }},
		{"kmeans without families", func(p *trainer.Params) { p.Eliminators.KMeans.Active = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params()
			tt.mutate(&p)
			if _, err := trainer.New(p, trainer.Options{Store: store}); !errors.Is(err, codebook.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
	if _, err := trainer.New(params(), trainer.Options{}); !errors.Is(err, codebook.ErrConfig) {
		t.Fatalf("missing store: %v", err)
	}
}

func TestLoadCorpus(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, u trainer.Utterance) string {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if err := trainer.WriteUtterance(f, u); err != nil {
			t.Fatal(err)
		}
		return path
	}
	src := utterance("", 1, 100, 2)
	src.Labels = []trainer.Label{{End: 2, Phone: "a"}}
	files := []trainer.PairFiles{{
		Source: write("s.msgpack", src),
		Target: write("t.msgpack", utterance("t", 2, 200, 2)),
	}}

	c, err := trainer.LoadCorpus(files)
	if err != nil {
		t.Fatal(err)
	}
	got := c.Pairs[0]
	if got.Source.ID != files[0].Source || got.Target.ID != "t" {
		t.Fatalf("ids = %q, %q", got.Source.ID, got.Target.ID)
	}
	if len(got.Source.Frames) != 2 || got.Source.Frames[1].LSF[0] != 2 || got.Source.Labels[0].Phone != "a" {
		t.Fatalf("source = %+v", got.Source)
	}

	files[0].Target = filepath.Join(dir, "missing.msgpack")
	if _, err := trainer.LoadCorpus(files); !errors.Is(err, codebook.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// brokenWriteStore hands out writers that fail on the first byte.
type brokenWriteStore struct {
	storage.FileStore
}

type brokenWriter struct {
	io.WriteCloser
}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func (w brokenWriter) Discard() error {
	return w.WriteCloser.(storage.Discarder).Discard()
}

func (s brokenWriteStore) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	w, err := s.FileStore.Write(ctx, path)
	if err != nil {
		return nil, err
	}
	return brokenWriter{w}, nil
}

func TestStoreUtteranceDiscardsFailedWrite(t *testing.T) {
	ctx := context.Background()
	local := newStore(t)
	err := trainer.StoreUtterance(ctx, brokenWriteStore{local}, "out/u.msgpack", utterance("u", 1, 100, 3))
	if !errors.Is(err, codebook.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if ok, _ := local.Exists(ctx, "out/u.msgpack"); ok {
		t.Fatal("partial utterance left at the output path")
	}
	left, _ := os.ReadDir(filepath.Join(local.Root(), "out"))
	if len(left) != 0 {
		t.Fatalf("temporary files left behind: %v", left)
	}
}

func TestSaveUtterance(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path := filepath.Join(dir, "u.msgpack")
	want := utterance("u", 1, 100, 3)
	if err := trainer.SaveUtterance(context.Background(), path, want); err != nil {
		t.Fatal(err)
	}
	got, err := trainer.LoadUtterance(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "u" || len(got.Frames) != 3 || got.Frames[2].LSF[0] != 3 {
		t.Fatalf("loaded = %+v", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("dir holds %d files, want only the utterance", len(entries))
	}
}
