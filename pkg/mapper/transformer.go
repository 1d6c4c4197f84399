package mapper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/pitchmap"
	"github.com/marytts/marytts-sub027/pkg/storage"
)

// Expect holds the feature dimensions the caller's analysis produces.
type Expect struct {
	LsfDim  int `json:"lsf_dim" yaml:"lsf_dim"`
	MfccDim int `json:"mfcc_dim,omitempty" yaml:"mfcc_dim,omitempty"`
}

// Transformer maps whole utterances through a loaded codebook.
type Transformer struct {
	mapper *Mapper
	pitch  *pitchmap.Mapping
	logger *slog.Logger
}

// NewTransformer wraps an existing mapper.
func NewTransformer(m *Mapper, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{mapper: m, logger: logger}
}

// Load reads the codebook at path from store and builds a transformer.
// A missing codebook yields ErrNotFound; a header that does not match want
// yields ErrFormat.
func Load(ctx context.Context, store storage.FileStore, path string, want Expect, p Params) (*Transformer, error) {
	cb, err := storage.Load(ctx, store, path, codebook.Decode)
	if storage.IsNotExist(err) {
		return nil, fmt.Errorf("mapper: load %s: %w", path, codebook.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mapper: load %s: %w", path, err)
	}
	if err := cb.Header().Validate(want.LsfDim, want.MfccDim); err != nil {
		return nil, fmt.Errorf("mapper: load %s: %w", path, err)
	}
	m, err := New(cb, p)
	if err != nil {
		return nil, err
	}
	return NewTransformer(m, nil), nil
}

// LoadPitchMapping reads the pitch mapping at path from store.
func LoadPitchMapping(ctx context.Context, store storage.FileStore, path string) (*pitchmap.Mapping, error) {
	pm, err := storage.Load(ctx, store, path, pitchmap.Decode)
	if storage.IsNotExist(err) {
		return nil, fmt.Errorf("mapper: load %s: %w", path, codebook.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mapper: load %s: %w", path, err)
	}
	if err := pm.Header().Validate(); err != nil {
		return nil, fmt.Errorf("mapper: load %s: %w", path, err)
	}
	return pm, nil
}

// WithPitchMapping returns a copy of t that converts F0 with pm instead of
// the matched entries' F0 ratio.
func (t *Transformer) WithPitchMapping(pm *pitchmap.Mapping) *Transformer {
	out := *t
	out.pitch = pm
	return &out
}

// WithLogger returns a copy of t that logs to logger.
func (t *Transformer) WithLogger(logger *slog.Logger) *Transformer {
	out := *t
	if logger != nil {
		out.logger = logger
	}
	return &out
}

// Mapper returns the underlying mapper.
func (t *Transformer) Mapper() *Mapper { return t.mapper }

// TransformFrames converts each source frame to the target speaker. Each
// frame is matched with up to TotalContextNeighbours frames on either side
// as context. The output keeps the input frame's duration.
func (t *Transformer) TransformFrames(frames []codebook.Item) ([]codebook.Item, error) {
	n := t.mapper.params.TotalContextNeighbours
	out := make([]codebook.Item, len(frames))
	for i, f := range frames {
		lo, hi := max(i-n, 0), min(i+n+1, len(frames))
		ctx := make([]codebook.Item, 0, hi-lo-1)
		ctx = append(ctx, frames[lo:i]...)
		ctx = append(ctx, frames[i+1:hi]...)

		match, err := t.mapper.Map(f, ctx)
		if err != nil {
			return nil, fmt.Errorf("mapper: frame %d: %w", i, err)
		}
		out[i] = t.convert(f, match)
	}
	t.logger.Debug("transformed frames", "frames", len(frames), "pitch_mapping", t.pitch != nil)
	return out, nil
}

func (t *Transformer) convert(f codebook.Item, m *Match) codebook.Item {
	out := codebook.Item{
		LSF:      m.Target.LSF,
		MFCC:     m.Target.MFCC,
		Duration: f.Duration,
		F0:       f.F0,
		Energy:   f.Energy,
	}
	if f.F0 > pitchmap.VoicedF0 {
		switch {
		case t.pitch != nil:
			out.F0 = float32(t.pitch.Transform(float64(f.F0)))
		case m.Source.F0 > pitchmap.VoicedF0:
			out.F0 = f.F0 * m.Target.F0 / m.Source.F0
		}
	}
	if m.Source.Energy > 0 {
		out.Energy = f.Energy * m.Target.Energy / m.Source.Energy
	}
	return out
}
