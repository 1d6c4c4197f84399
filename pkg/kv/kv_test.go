package kv_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/marytts/marytts-sub027/pkg/kv"
)

// backends runs fn against every Store implementation.
func backends(t *testing.T, opts *kv.Options, fn func(t *testing.T, s kv.Store)) {
	t.Run("memory", func(t *testing.T) {
		s := kv.NewMemory(opts)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := kv.NewBadger(kv.BadgerOptions{Options: opts, InMemory: true})
		if err != nil {
			t.Fatalf("NewBadger: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func listKeys(t *testing.T, s kv.Store, prefix kv.Key) []string {
	t.Helper()
	var keys []string
	for e, err := range s.List(context.Background(), prefix) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		keys = append(keys, e.Key.String())
	}
	return keys
}

func TestGetSetDelete(t *testing.T) {
	backends(t, nil, func(t *testing.T, s kv.Store) {
		ctx := context.Background()
		key := kv.Key{"extract", "FRAMES", "src01", "tgt01"}

		if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.Set(ctx, key, []byte("a")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, key, []byte("b")); err != nil {
			t.Fatalf("Set overwrite: %v", err)
		}
		got, err := s.Get(ctx, key)
		if err != nil || string(got) != "b" {
			t.Fatalf("Get = %q, %v", got, err)
		}
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, kv.Key{"no", "such"}); err != nil {
			t.Fatalf("Delete missing: %v", err)
		}
	})
}

func TestListPrefix(t *testing.T) {
	backends(t, nil, func(t *testing.T, s kv.Store) {
		ctx := context.Background()
		for _, k := range []kv.Key{
			{"extract", "FRAMES", "b"},
			{"extract", "FRAMES", "a"},
			{"extract", "FRAMESX", "c"},
			{"other", "d"},
		} {
			if err := s.Set(ctx, k, []byte(k.String())); err != nil {
				t.Fatal(err)
			}
		}

		got := listKeys(t, s, kv.Key{"extract", "FRAMES"})
		want := []string{"extract/FRAMES/a", "extract/FRAMES/b"}
		if !slices.Equal(got, want) {
			t.Fatalf("List = %v, want %v", got, want)
		}
		if n := len(listKeys(t, s, nil)); n != 4 {
			t.Fatalf("List(nil) = %d entries, want 4", n)
		}
	})
}

func TestBatchDelete(t *testing.T) {
	backends(t, nil, func(t *testing.T, s kv.Store) {
		ctx := context.Background()
		keys := []kv.Key{{"a", "1"}, {"a", "2"}, {"a", "3"}}
		for _, k := range keys {
			s.Set(ctx, k, []byte("x"))
		}
		if err := s.BatchDelete(ctx, keys[:2]); err != nil {
			t.Fatalf("BatchDelete: %v", err)
		}
		if got := listKeys(t, s, kv.Key{"a"}); !slices.Equal(got, []string{"a/3"}) {
			t.Fatalf("remaining = %v", got)
		}
	})
}

func TestCustomSeparator(t *testing.T) {
	backends(t, &kv.Options{Separator: 0x1f}, func(t *testing.T, s kv.Store) {
		ctx := context.Background()
		key := kv.Key{"extract", "utt:01", "utt:02"}
		if err := s.Set(ctx, key, []byte("v")); err != nil {
			t.Fatal(err)
		}
		for e, err := range s.List(ctx, kv.Key{"extract"}) {
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(e.Key, key) {
				t.Fatalf("key = %q, want %q", e.Key, key)
			}
		}
	})
}

func TestMemoryValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)
	val := []byte("abc")
	s.Set(ctx, kv.Key{"k"}, val)
	val[0] = 'X'
	got, _ := s.Get(ctx, kv.Key{"k"})
	got[1] = 'Y'
	again, _ := s.Get(ctx, kv.Key{"k"})
	if string(again) != "abc" {
		t.Fatalf("stored value mutated: %q", again)
	}
}

func TestBadgerDirRequired(t *testing.T) {
	if _, err := kv.NewBadger(kv.BadgerOptions{}); err == nil {
		t.Fatal("expected error without Dir")
	}
}
