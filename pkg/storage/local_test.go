package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLocalWriteIsAtomic(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	w, err := s.Write(ctx, "alice/codebook.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "half")
	if ok, _ := s.Exists(ctx, "alice/codebook.bin"); ok {
		t.Fatal("artifact visible before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := s.Read(ctx, "alice/codebook.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "half" {
		t.Fatalf("got %q", got)
	}
	assertNoTemps(t, filepath.Join(s.Root(), "alice"))
}

func TestLocalDiscard(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	w, _ := s.Write(ctx, "x.bin")
	io.WriteString(w, "junk")
	if err := w.(Discarder).Discard(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "x.bin"); ok {
		t.Fatal("discarded artifact exists")
	}
	assertNoTemps(t, s.Root())
}

func TestLocalReadNotExist(t *testing.T) {
	s := newTestLocal(t)
	_, err := s.Read(context.Background(), "no-such-file")
	if !IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	if err := s.Delete(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	w, _ := s.Write(ctx, "tmp")
	w.Close()
	if err := s.Delete(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "tmp"); ok {
		t.Fatal("file should be gone after delete")
	}
}

func TestPublishAndLoadCodebook(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	h := codebook.Header{Type: codebook.Frames, LsfDim: 2}
	cb, err := codebook.New(h, []codebook.Entry{
		codebook.NewEntry(codebook.Item{LSF: []float32{1, 2}, F0: 100}, codebook.Item{LSF: []float32{3, 4}, F0: 200}),
	})
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "cb.bin")
	if err := codebook.WriteAll(src, cb); err != nil {
		t.Fatal(err)
	}
	if err := Publish(ctx, s, src, "bob/cb.bin"); err != nil {
		t.Fatal(err)
	}

	got, err := Load(ctx, s, "bob/cb.bin", codebook.Decode)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 1 || got.Entry(0).Target.F0 != 200 {
		t.Fatalf("loaded %d entries", got.Len())
	}

	_, err = Load(ctx, s, "bob/missing.bin", codebook.Decode)
	if !IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestPublishMissingSource(t *testing.T) {
	s := newTestLocal(t)
	err := Publish(context.Background(), s, filepath.Join(t.TempDir(), "nope"), "x")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestNewLocalCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range ents {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}
