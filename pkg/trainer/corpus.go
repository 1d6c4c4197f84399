package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/storage"
)

// Label closes a phone segment. End is the exclusive frame index; the
// segment starts at the previous label's End (or 0).
type Label struct {
	End   int    `msgpack:"end" json:"end" yaml:"end"`
	Phone string `msgpack:"phone" json:"phone" yaml:"phone"`
}

// Utterance is the analysed feature track of one recording.
type Utterance struct {
	ID     string          `msgpack:"id" json:"id" yaml:"id"`
	Frames []codebook.Item `msgpack:"frames" json:"frames" yaml:"frames"`
	Labels []Label         `msgpack:"labels,omitempty" json:"labels,omitempty" yaml:"labels,omitempty"`
}

// labelAt returns the index of the label whose segment contains frame i,
// or -1.
func (u *Utterance) labelAt(i int) int {
	for j, l := range u.Labels {
		if i < l.End {
			return j
		}
	}
	return -1
}

// segment returns the frame range [start, end) of label j, clamped to the
// frame count.
func (u *Utterance) segment(j int) (start, end int) {
	if j > 0 {
		start = u.Labels[j-1].End
	}
	end = min(u.Labels[j].End, len(u.Frames))
	start = min(max(start, 0), end)
	return start, end
}

// FramePair links a source frame to a target frame.
type FramePair struct {
	Source int `msgpack:"s" json:"source" yaml:"source"`
	Target int `msgpack:"t" json:"target" yaml:"target"`
}

// Pair is one parallel recording. An empty Alignment is computed by the
// trainer's aligner.
type Pair struct {
	Source    Utterance   `msgpack:"source" json:"source" yaml:"source"`
	Target    Utterance   `msgpack:"target" json:"target" yaml:"target"`
	Alignment []FramePair `msgpack:"alignment,omitempty" json:"alignment,omitempty" yaml:"alignment,omitempty"`
}

// Corpus is the parallel training set.
type Corpus struct {
	Pairs []Pair `msgpack:"pairs" json:"pairs" yaml:"pairs"`
}

// PairFiles names the msgpack feature files of one parallel recording.
type PairFiles struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// ReadUtterance decodes one msgpack feature file.
func ReadUtterance(r io.Reader) (Utterance, error) {
	var u Utterance
	if err := msgpack.NewDecoder(r).Decode(&u); err != nil {
		return Utterance{}, fmt.Errorf("trainer: decode utterance: %w: %w", codebook.ErrFormat, err)
	}
	return u, nil
}

// WriteUtterance encodes u as msgpack.
func WriteUtterance(w io.Writer, u Utterance) error {
	if err := msgpack.NewEncoder(w).Encode(&u); err != nil {
		return fmt.Errorf("trainer: encode utterance %s: %w: %w", u.ID, codebook.ErrIO, err)
	}
	return nil
}

// StoreUtterance writes u to path in s. A failed encode discards the
// write, so nothing is left at path.
func StoreUtterance(ctx context.Context, s storage.FileStore, path string, u Utterance) error {
	w, err := s.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("trainer: write %s: %w: %w", path, codebook.ErrIO, err)
	}
	if err := WriteUtterance(w, u); err != nil {
		if d, ok := w.(storage.Discarder); ok {
			d.Discard()
		}
		return fmt.Errorf("%w (%s)", err, path)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("trainer: write %s: %w: %w", path, codebook.ErrIO, err)
	}
	return nil
}

// SaveUtterance writes u to the feature file at path through a temporary
// file that is renamed into place on success.
func SaveUtterance(ctx context.Context, path string, u Utterance) error {
	dir, err := storage.NewLocal(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("trainer: write %s: %w: %w", path, codebook.ErrIO, err)
	}
	return StoreUtterance(ctx, dir, filepath.Base(path), u)
}

// LoadUtterance reads the feature file at path. An utterance without an
// ID is named after its path.
func LoadUtterance(path string) (Utterance, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Utterance{}, fmt.Errorf("trainer: %s: %w", path, codebook.ErrNotFound)
		}
		return Utterance{}, fmt.Errorf("trainer: open %s: %w: %w", path, codebook.ErrIO, err)
	}
	defer f.Close()
	u, err := ReadUtterance(f)
	if err != nil {
		return Utterance{}, fmt.Errorf("%w (%s)", err, path)
	}
	if u.ID == "" {
		u.ID = path
	}
	return u, nil
}

// LoadCorpus reads every listed pair.
func LoadCorpus(files []PairFiles) (Corpus, error) {
	c := Corpus{Pairs: make([]Pair, 0, len(files))}
	for _, pf := range files {
		src, err := LoadUtterance(pf.Source)
		if err != nil {
			return Corpus{}, err
		}
		tgt, err := LoadUtterance(pf.Target)
		if err != nil {
			return Corpus{}, err
		}
		c.Pairs = append(c.Pairs, Pair{Source: src, Target: tgt})
	}
	return c, nil
}
