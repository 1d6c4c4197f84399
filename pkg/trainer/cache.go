package trainer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/kv"
)

// Cache keeps per-pair extraction results between training runs.
//
// Key layout:
//
//	extract/{type}/{sourceID}/{targetID} → msgpack extracted
type Cache struct {
	store kv.Store
}

// CacheSeparator joins cache key segments. Utterance IDs are often paths
// and may contain ':' or '/'.
const CacheSeparator byte = 0x1f

// NewCache wraps store. The store should be opened with CacheSeparator.
func NewCache(store kv.Store) *Cache {
	return &Cache{store: store}
}

// OpenCache opens a badger-backed cache in dir, or an in-memory one when
// dir is empty.
func OpenCache(dir string) (*Cache, error) {
	s, err := kv.NewBadger(kv.BadgerOptions{
		Options:  &kv.Options{Separator: CacheSeparator},
		Dir:      dir,
		InMemory: dir == "",
	})
	if err != nil {
		return nil, fmt.Errorf("trainer: open cache: %w: %w", codebook.ErrIO, err)
	}
	return NewCache(s), nil
}

func extractKey(t codebook.Type, src, tgt string) kv.Key {
	return kv.Key{"extract", t.String(), src, tgt}
}

// get returns the cached extraction for the pair, if any.
func (c *Cache) get(ctx context.Context, t codebook.Type, src, tgt string) (extracted, bool, error) {
	data, err := c.store.Get(ctx, extractKey(t, src, tgt))
	if errors.Is(err, kv.ErrNotFound) {
		return extracted{}, false, nil
	}
	if err != nil {
		return extracted{}, false, fmt.Errorf("trainer: cache get: %w: %w", codebook.ErrIO, err)
	}
	var x extracted
	if err := msgpack.Unmarshal(data, &x); err != nil {
		return extracted{}, false, fmt.Errorf("trainer: cache decode %s/%s: %w: %w", src, tgt, codebook.ErrFormat, err)
	}
	return x, true, nil
}

func (c *Cache) put(ctx context.Context, t codebook.Type, src, tgt string, x extracted) error {
	data, err := msgpack.Marshal(&x)
	if err != nil {
		return fmt.Errorf("trainer: cache encode: %w", err)
	}
	if err := c.store.Set(ctx, extractKey(t, src, tgt), data); err != nil {
		return fmt.Errorf("trainer: cache put: %w: %w", codebook.ErrIO, err)
	}
	return nil
}

// Len counts the cached extractions.
func (c *Cache) Len(ctx context.Context) (int, error) {
	n := 0
	for _, err := range c.store.List(ctx, kv.Key{"extract"}) {
		if err != nil {
			return n, fmt.Errorf("trainer: cache list: %w: %w", codebook.ErrIO, err)
		}
		n++
	}
	return n, nil
}

// Purge removes the cached extractions of type t, or all of them when t
// is negative. It returns the number removed.
func (c *Cache) Purge(ctx context.Context, t codebook.Type) (int, error) {
	prefix := kv.Key{"extract"}
	if t >= 0 {
		prefix = append(prefix, t.String())
	}
	var keys []kv.Key
	for e, err := range c.store.List(ctx, prefix) {
		if err != nil {
			return 0, fmt.Errorf("trainer: cache list: %w: %w", codebook.ErrIO, err)
		}
		keys = append(keys, e.Key)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.store.BatchDelete(ctx, keys); err != nil {
		return 0, fmt.Errorf("trainer: cache purge: %w: %w", codebook.ErrIO, err)
	}
	return len(keys), nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
