// Package outlier prunes candidate codebook entries before they are
// persisted.
//
// Two passes are provided: [Gaussian] rejects pairs whose features lie far
// from the population statistics, and [KMeans] clusters source and target
// features and rejects pairs whose cluster membership disagrees. [Run]
// applies them in that order. A pass never adds entries, and an inactive
// pass returns its input unchanged.
package outlier

import (
	"context"
	"log/slog"
	"math/bits"
	"strings"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// Status is a bitmask of rejection reasons for one entry. Zero means the
// entry is kept.
type Status uint32

const (
	StatusLSF Status = 1 << iota
	StatusF0
	StatusDuration
	StatusEnergy
	StatusGeneral
	StatusTooSimilar
	StatusOneToMany
	StatusManyToOne
	StatusManyToMany
)

var statusNames = []string{
	"lsf",
	"f0",
	"duration",
	"energy",
	"general",
	"too_similar",
	"one_to_many",
	"many_to_one",
	"many_to_many",
}

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var parts []string
	for i, name := range statusNames {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "+")
}

// familyStatus maps a single feature family (or a joint vector) to the
// status that marks it.
func familyStatus(f codebook.Family) Status {
	switch f {
	case codebook.LSF:
		return StatusLSF
	case codebook.F0:
		return StatusF0
	case codebook.Duration:
		return StatusDuration
	case codebook.Energy:
		return StatusEnergy
	default:
		return StatusGeneral
	}
}

// Report summarises one pass.
type Report struct {
	Input  int `json:"input" yaml:"input"`
	Output int `json:"output" yaml:"output"`

	// Counts holds the number of rejected entries per reason. An entry
	// rejected for several reasons is counted under each.
	Counts map[string]int `json:"counts,omitempty" yaml:"counts,omitempty"`
}

// Dropped returns Input - Output.
func (r Report) Dropped() int { return r.Input - r.Output }

// filter keeps entries with a zero status and fills the report.
func filter(entries []codebook.Entry, status []Status) ([]codebook.Entry, Report) {
	rep := Report{Input: len(entries)}
	out := make([]codebook.Entry, 0, len(entries))
	for i, e := range entries {
		s := status[i]
		if s == 0 {
			out = append(out, e)
			continue
		}
		for s != 0 {
			b := bits.TrailingZeros32(uint32(s))
			if rep.Counts == nil {
				rep.Counts = make(map[string]int)
			}
			rep.Counts[statusNames[b]]++
			s &^= 1 << b
		}
	}
	rep.Output = len(out)
	return out, rep
}

// StdDevs holds per-family rejection thresholds in standard deviations.
// General applies to jointly clustered vectors.
type StdDevs struct {
	LSF      float64 `json:"lsf,omitempty" yaml:"lsf,omitempty"`
	F0       float64 `json:"f0,omitempty" yaml:"f0,omitempty"`
	Duration float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
	Energy   float64 `json:"energy,omitempty" yaml:"energy,omitempty"`
	General  float64 `json:"general,omitempty" yaml:"general,omitempty"`
}

// DefaultStdDevs returns the thresholds used when none are configured.
func DefaultStdDevs() StdDevs {
	return StdDevs{LSF: 1.5, F0: 1.0, Duration: 1.0, Energy: 1.5, General: 2.0}
}

func (s *StdDevs) defaults() {
	d := DefaultStdDevs()
	if s.LSF == 0 {
		s.LSF = d.LSF
	}
	if s.F0 == 0 {
		s.F0 = d.F0
	}
	if s.Duration == 0 {
		s.Duration = d.Duration
	}
	if s.Energy == 0 {
		s.Energy = d.Energy
	}
	if s.General == 0 {
		s.General = d.General
	}
}

// For returns the threshold for a single family; anything else uses
// General.
func (s StdDevs) For(f codebook.Family) float64 {
	switch f {
	case codebook.LSF:
		return s.LSF
	case codebook.F0:
		return s.F0
	case codebook.Duration:
		return s.Duration
	case codebook.Energy:
		return s.Energy
	default:
		return s.General
	}
}

// Params configures both passes.
type Params struct {
	Gaussian GaussianParams `json:"gaussian" yaml:"gaussian"`
	KMeans   KMeansParams   `json:"kmeans" yaml:"kmeans"`
}

// Validate checks both passes.
func (p Params) Validate() error {
	if err := p.Gaussian.Validate(); err != nil {
		return err
	}
	return p.KMeans.Validate()
}

// Run applies the Gaussian pass and then the KMeans pass.
func Run(ctx context.Context, entries []codebook.Entry, p Params, logger *slog.Logger) ([]codebook.Entry, Report, Report, error) {
	if err := p.Validate(); err != nil {
		return nil, Report{}, Report{}, err
	}
	out, g, err := Gaussian(entries, p.Gaussian, logger)
	if err != nil {
		return nil, g, Report{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, g, Report{}, err
	}
	out, k, err := KMeans(out, p.KMeans, logger)
	if err != nil {
		return nil, g, k, err
	}
	return out, g, k, nil
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
