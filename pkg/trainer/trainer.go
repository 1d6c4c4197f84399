// Package trainer learns a weighted codebook and a pitch mapping from a
// parallel corpus.
//
// A run moves through Init, Align, Extract, EliminateGaussian,
// EliminateKMeans and Persist to Done. Any fatal error moves it to Failed
// and removes every artifact it wrote. Malformed frame pairs are not fatal:
// they are skipped, logged and counted.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/outlier"
	"github.com/marytts/marytts-sub027/pkg/pitchmap"
	"github.com/marytts/marytts-sub027/pkg/storage"
)

// State is a step of a training run.
type State int32

const (
	Init State = iota
	Align
	Extract
	EliminateGaussian
	EliminateKMeans
	Persist
	Done
	Failed
)

var stateNames = [...]string{
	Init:              "init",
	Align:             "align",
	Extract:           "extract",
	EliminateGaussian: "eliminate_gaussian",
	EliminateKMeans:   "eliminate_kmeans",
	Persist:           "persist",
	Done:              "done",
	Failed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Params configures a training run.
type Params struct {
	// Header describes the codebook. LsfDim and MfccDim are inferred from
	// the first frame of the corpus when both are zero.
	Header codebook.Header `json:"header" yaml:"header"`

	Eliminators outlier.Params `json:"eliminators" yaml:"eliminators"`

	// ForcedAnalysis re-extracts every pair even when the cache holds a
	// result.
	ForcedAnalysis bool `json:"forced_analysis,omitempty" yaml:"forced_analysis,omitempty"`

	// CodebookPath and PitchMappingPath are store paths. PitchMappingPath
	// defaults to CodebookPath with a ".ptc" extension.
	CodebookPath     string `json:"codebook_path" yaml:"codebook_path"`
	PitchMappingPath string `json:"pitch_mapping_path,omitempty" yaml:"pitch_mapping_path,omitempty"`

	// WorkDir holds the files written before publishing. A temporary
	// directory is used when empty.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	Aligner AlignerKind `json:"aligner,omitempty" yaml:"aligner,omitempty"`

	// DTWWindow is the Sakoe-Chiba half-width for the dtw aligner.
	DTWWindow int `json:"dtw_window,omitempty" yaml:"dtw_window,omitempty"`

	// ExcludeLabels lists phones (e.g. pauses) whose frames never enter
	// the codebook.
	ExcludeLabels []string `json:"exclude_labels,omitempty" yaml:"exclude_labels,omitempty"`
}

func (p *Params) defaults() {
	if p.Aligner == "" {
		p.Aligner = AlignDTW
	}
	if p.Header.VocalTractFeature == 0 {
		p.Header.VocalTractFeature = codebook.VocalTractLSF
	}
	if p.PitchMappingPath == "" && p.CodebookPath != "" {
		p.PitchMappingPath = DefaultPitchMappingPath(p.CodebookPath)
	}
}

// DefaultPitchMappingPath is the pitch mapping published next to the
// codebook at codebookPath.
func DefaultPitchMappingPath(codebookPath string) string {
	return strings.TrimSuffix(codebookPath, path.Ext(codebookPath)) + ".ptc"
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if !p.Header.Type.Valid() {
		return fmt.Errorf("trainer: %w: unknown codebook type %d", codebook.ErrConfig, int32(p.Header.Type))
	}
	if p.Header.LsfDim < 0 || p.Header.MfccDim < 0 ||
		p.Header.NumNeighboursInFrameGroups < 0 || p.Header.NumNeighboursInLabelGroups < 0 {
		return fmt.Errorf("trainer: %w: negative header field", codebook.ErrConfig)
	}
	if p.CodebookPath == "" {
		return fmt.Errorf("trainer: %w: codebook_path is required", codebook.ErrConfig)
	}
	if p.PitchMappingPath == p.CodebookPath {
		return fmt.Errorf("trainer: %w: codebook and pitch mapping share path %q", codebook.ErrConfig, p.CodebookPath)
	}
	if _, ok := aligners[p.Aligner]; !ok && p.Aligner != "" {
		return fmt.Errorf("trainer: %w: unknown aligner %q", codebook.ErrConfig, p.Aligner)
	}
	if p.DTWWindow < 0 {
		return fmt.Errorf("trainer: %w: negative dtw_window", codebook.ErrConfig)
	}
	return p.Eliminators.Validate()
}

// Report summarises a run.
type Report struct {
	RunID      string         `json:"run_id" yaml:"run_id"`
	Pairs      int            `json:"pairs" yaml:"pairs"`
	Candidates int            `json:"candidates" yaml:"candidates"`
	Skipped    int            `json:"skipped" yaml:"skipped"`
	Excluded   int            `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	CacheHits  int            `json:"cache_hits,omitempty" yaml:"cache_hits,omitempty"`
	Gaussian   outlier.Report `json:"gaussian" yaml:"gaussian"`
	KMeans     outlier.Report `json:"kmeans" yaml:"kmeans"`
	Entries    int            `json:"entries" yaml:"entries"`
	States     []State        `json:"states" yaml:"states"`

	CodebookPath     string        `json:"codebook_path,omitempty" yaml:"codebook_path,omitempty"`
	PitchMappingPath string        `json:"pitch_mapping_path,omitempty" yaml:"pitch_mapping_path,omitempty"`
	Elapsed          time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Options holds the collaborators of a Trainer.
type Options struct {
	// Store receives the published artifacts. Required.
	Store storage.FileStore

	// Cache is optional; without it every pair is extracted.
	Cache *Cache

	Logger *slog.Logger
}

// Trainer runs training. A Trainer runs once; State may be read from
// other goroutines while it does.
type Trainer struct {
	params  Params
	store   storage.FileStore
	cache   *Cache
	logger  *slog.Logger
	aligner Aligner
	exclude map[string]bool

	state atomic.Int32
	once  sync.Once
}

// New validates p and builds a Trainer.
func New(p Params, opts Options) (*Trainer, error) {
	p.defaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("trainer: %w: no artifact store", codebook.ErrConfig)
	}
	al, err := NewAligner(p.Aligner)
	if err != nil {
		return nil, err
	}
	if d, ok := al.(DTWAligner); ok {
		d.Window = p.DTWWindow
		if p.Header.VocalTractFeature == codebook.VocalTractMFCC {
			d.Feature = codebook.MFCC
		}
		al = d
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trainer{
		params:  p,
		store:   opts.Store,
		cache:   opts.Cache,
		logger:  logger,
		aligner: al,
		exclude: make(map[string]bool, len(p.ExcludeLabels)),
	}
	for _, l := range p.ExcludeLabels {
		t.exclude[l] = true
	}
	return t, nil
}

// State returns the current state.
func (t *Trainer) State() State { return State(t.state.Load()) }

// session holds the mutable state of one Run.
type session struct {
	rep      Report
	header   codebook.Header
	entries  []codebook.Entry
	contours []pitchmap.Contours
	logger   *slog.Logger
}

func (t *Trainer) enter(r *session, s State) {
	t.state.Store(int32(s))
	r.rep.States = append(r.rep.States, s)
	r.logger.Debug("trainer state", "state", s.String())
}

// Run trains on c and publishes the codebook and the pitch mapping.
func (t *Trainer) Run(ctx context.Context, c Corpus) (*Report, error) {
	err := errors.New("trainer: already run")
	var rep *Report
	t.once.Do(func() { rep, err = t.run(ctx, c) })
	return rep, err
}

func (t *Trainer) run(ctx context.Context, c Corpus) (*Report, error) {
	start := time.Now()
	id := uuid.NewString()
	r := &session{
		rep:    Report{RunID: id, Pairs: len(c.Pairs)},
		header: t.params.Header,
		logger: t.logger.With("run_id", id),
	}
	fail := func(err error) (*Report, error) {
		t.enter(r, Failed)
		r.rep.Elapsed = time.Since(start)
		r.logger.Error("training failed", "state", r.rep.States[len(r.rep.States)-2].String(), "error", err)
		return &r.rep, err
	}

	t.enter(r, Init)
	pairs, err := t.prepare(r, c)
	if err != nil {
		return fail(err)
	}

	t.enter(r, Align)
	for i := range pairs {
		p := &pairs[i]
		if len(p.Alignment) == 0 {
			p.Alignment = t.aligner.Align(p.Source.Frames, p.Target.Frames)
		}
		if len(p.Alignment) == 0 {
			r.logger.Warn("empty utterance pair", "source", p.Source.ID, "target", p.Target.ID)
		}
		r.contours = append(r.contours, contours(p))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	t.enter(r, Extract)
	if err := t.extractAll(ctx, r, pairs); err != nil {
		return fail(err)
	}
	r.rep.Candidates = len(r.entries)
	r.logger.Info("extracted candidates",
		"type", r.header.Type.String(),
		"pairs", len(pairs),
		"candidates", r.rep.Candidates,
		"skipped", r.rep.Skipped,
		"cache_hits", r.rep.CacheHits)

	t.enter(r, EliminateGaussian)
	r.entries, r.rep.Gaussian, err = outlier.Gaussian(r.entries, t.params.Eliminators.Gaussian, r.logger)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	t.enter(r, EliminateKMeans)
	r.entries, r.rep.KMeans, err = outlier.KMeans(r.entries, t.params.Eliminators.KMeans, r.logger)
	if err != nil {
		return fail(err)
	}
	if len(r.entries) == 0 {
		return fail(fmt.Errorf("trainer: %w: no codebook entries left after elimination", codebook.ErrConfig))
	}

	t.enter(r, Persist)
	if err := t.persist(ctx, r); err != nil {
		return fail(err)
	}
	r.rep.Entries = len(r.entries)
	r.rep.CodebookPath = t.params.CodebookPath
	r.rep.PitchMappingPath = t.params.PitchMappingPath

	t.enter(r, Done)
	r.rep.Elapsed = time.Since(start)
	r.logger.Info("training done",
		"entries", r.rep.Entries,
		"codebook", r.rep.CodebookPath,
		"pitch_mapping", r.rep.PitchMappingPath,
		"elapsed", r.rep.Elapsed)
	return &r.rep, nil
}

// prepare infers missing header dimensions and checks every utterance
// against them. It returns copies of the pairs so aligning does not touch
// the caller's corpus.
func (t *Trainer) prepare(r *session, c Corpus) ([]Pair, error) {
	if len(c.Pairs) == 0 {
		return nil, fmt.Errorf("trainer: %w: empty corpus", codebook.ErrConfig)
	}
	h := &r.header
	if h.LsfDim == 0 && h.MfccDim == 0 {
		for _, p := range c.Pairs {
			if len(p.Source.Frames) > 0 {
				f := p.Source.Frames[0]
				h.LsfDim, h.MfccDim = int32(len(f.LSF)), int32(len(f.MFCC))
				break
			}
		}
	}
	pairs := make([]Pair, len(c.Pairs))
	for i, p := range c.Pairs {
		for _, u := range []*Utterance{&p.Source, &p.Target} {
			if len(u.Frames) == 0 {
				continue
			}
			f := u.Frames[0]
			if len(f.LSF) != int(h.LsfDim) || len(f.MFCC) != int(h.MfccDim) {
				return nil, fmt.Errorf("trainer: %w: utterance %q has dims lsf=%d mfcc=%d, want lsf=%d mfcc=%d",
					codebook.ErrConfig, u.ID, len(f.LSF), len(f.MFCC), h.LsfDim, h.MfccDim)
			}
		}
		pairs[i] = p
		pairs[i].Alignment = slices.Clone(p.Alignment)
	}
	return pairs, nil
}

// fingerprint identifies the parameters a cached extraction depends on.
func (t *Trainer) fingerprint(h codebook.Header) string {
	ex := slices.Clone(t.params.ExcludeLabels)
	slices.Sort(ex)
	return fmt.Sprintf("%d/%d/%d/%d/%d/%g/%s/%d/%s",
		h.LsfDim, h.MfccDim, h.VocalTractFeature,
		h.NumNeighboursInFrameGroups, h.NumNeighboursInLabelGroups,
		h.LSF.SkipSize, t.params.Aligner, t.params.DTWWindow, strings.Join(ex, ","))
}

func (t *Trainer) extractAll(ctx context.Context, r *session, pairs []Pair) error {
	fp := t.fingerprint(r.header)
	for i := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := &pairs[i]
		x, hit, err := t.cached(ctx, r.header.Type, p, fp)
		if err != nil {
			return err
		}
		if hit {
			r.rep.CacheHits++
		} else {
			if x, err = extract(p, r.header, t.exclude, r.logger); err != nil {
				return err
			}
			x.Fingerprint = fp
			if t.cache != nil {
				if err := t.cache.put(ctx, r.header.Type, p.Source.ID, p.Target.ID, x); err != nil {
					return err
				}
			}
		}
		r.entries = append(r.entries, x.Entries...)
		r.rep.Skipped += x.Skipped
		r.rep.Excluded += x.Excluded
	}
	return nil
}

func (t *Trainer) cached(ctx context.Context, typ codebook.Type, p *Pair, fp string) (extracted, bool, error) {
	if t.cache == nil || t.params.ForcedAnalysis || p.Source.ID == "" || p.Target.ID == "" {
		return extracted{}, false, nil
	}
	x, ok, err := t.cache.get(ctx, typ, p.Source.ID, p.Target.ID)
	if err != nil || !ok || x.Fingerprint != fp {
		return extracted{}, false, err
	}
	return x, true, nil
}

func contours(p *Pair) pitchmap.Contours {
	f0 := func(u *Utterance) []float64 {
		out := make([]float64, len(u.Frames))
		for i, f := range u.Frames {
			out[i] = float64(f.F0)
		}
		return out
	}
	return pitchmap.Contours{Source: f0(&p.Source), Target: f0(&p.Target)}
}

// persist writes both artifacts into the work directory and publishes
// them. On failure nothing written by this run is left behind.
func (t *Trainer) persist(ctx context.Context, r *session) (err error) {
	dir := t.params.WorkDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "vcbook-train-*"); err != nil {
			return fmt.Errorf("trainer: work dir: %w: %w", codebook.ErrIO, err)
		}
		defer os.RemoveAll(dir)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trainer: work dir: %w: %w", codebook.ErrIO, err)
	}

	cbFile := filepath.Join(dir, r.rep.RunID+".codebook")
	ptcFile := filepath.Join(dir, r.rep.RunID+".ptc")
	defer os.Remove(cbFile)
	defer os.Remove(ptcFile)

	if err := writeCodebook(cbFile, r.header, r.entries); err != nil {
		return err
	}
	if err := pitchmap.WriteAll(ptcFile, pitchmap.Train(r.header.Type, r.contours)); err != nil {
		return err
	}

	var published []string
	defer func() {
		if err == nil {
			return
		}
		for _, p := range published {
			if derr := t.store.Delete(context.WithoutCancel(ctx), p); derr != nil {
				r.logger.Warn("remove partial artifact", "path", p, "error", derr)
			}
		}
	}()
	for _, a := range []struct{ src, dst string }{
		{cbFile, t.params.CodebookPath},
		{ptcFile, t.params.PitchMappingPath},
	} {
		if err := storage.Publish(ctx, t.store, a.src, a.dst); err != nil {
			return fmt.Errorf("trainer: %w: %w", codebook.ErrIO, err)
		}
		published = append(published, a.dst)
	}
	return nil
}

// writeCodebook streams entries into a fresh codebook file.
func writeCodebook(name string, h codebook.Header, entries []codebook.Entry) (err error) {
	f, err := codebook.Create(name, h)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	for _, e := range entries {
		if err := f.AppendEntry(e); err != nil {
			return err
		}
	}
	return nil
}
