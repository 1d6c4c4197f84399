package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
	"github.com/marytts/marytts-sub027/pkg/mapper"
	"github.com/marytts/marytts-sub027/pkg/trainer"
)

// MapRequest is the transform run file.
type MapRequest struct {
	Codebook     string        `json:"codebook" yaml:"codebook"`
	PitchMapping string        `json:"pitch_mapping,omitempty" yaml:"pitch_mapping,omitempty"`
	Expect       mapper.Expect `json:"expect" yaml:"expect"`
	Mapper       mapper.Params `json:"mapper" yaml:"mapper"`
	Inputs       []MapInput    `json:"inputs" yaml:"inputs"`
}

// MapInput names one source utterance and where to write its conversion.
type MapInput struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// MapResult summarises one converted utterance.
type MapResult struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
	Frames int    `json:"frames" yaml:"frames"`
}

var usePitchMapping bool

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Convert source utterances with a trained codebook",
	Long: `Convert source utterances to the target speaker.

The codebook (and, with --pitch-mapping, its pitch mapping) is loaded from
the store of the active context. Unset mapper fields keep their defaults.

Example map.yaml:

  codebook: voices/alice.bin
  expect:
    lsf_dim: 20
  mapper:
    num_best_matches: 15
    distance_measure: inverse_harmonic_symmetric
  inputs:
    - input: in/0001.msgpack
      output: out/0001.msgpack`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := MapRequest{Mapper: mapper.DefaultParams()}
		if err := cli.LoadRequest(inputFile, &req); err != nil {
			return err
		}
		if req.Codebook == "" {
			return fmt.Errorf("%s: codebook is required", inputFile)
		}
		cctx, err := currentContext()
		if err != nil {
			return err
		}
		store, err := cctx.OpenStore(cmd.Context())
		if err != nil {
			return err
		}

		tr, err := mapper.Load(cmd.Context(), store, req.Codebook, req.Expect, req.Mapper)
		if err != nil {
			return err
		}
		tr = tr.WithLogger(slog.Default())
		if usePitchMapping || req.PitchMapping != "" {
			path := req.PitchMapping
			if path == "" {
				path = trainer.DefaultPitchMappingPath(req.Codebook)
			}
			pm, err := mapper.LoadPitchMapping(cmd.Context(), store, path)
			if err != nil {
				return err
			}
			tr = tr.WithPitchMapping(pm)
		}

		results := make([]MapResult, 0, len(req.Inputs))
		for _, in := range req.Inputs {
			n, err := transformFile(cmd.Context(), tr, in)
			if err != nil {
				return err
			}
			results = append(results, MapResult{Input: in.Input, Output: in.Output, Frames: n})
		}
		return printResult(results)
	},
}

func transformFile(ctx context.Context, tr *mapper.Transformer, in MapInput) (int, error) {
	u, err := trainer.LoadUtterance(in.Input)
	if err != nil {
		return 0, err
	}
	frames, err := tr.TransformFrames(u.Frames)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", in.Input, err)
	}
	u.Frames = frames
	if err := trainer.SaveUtterance(ctx, in.Output, u); err != nil {
		return 0, err
	}
	return len(frames), nil
}

func init() {
	addInputFlag(transformCmd)
	addOutputFlags(transformCmd)
	transformCmd.Flags().BoolVar(&usePitchMapping, "pitch-mapping", false, "convert F0 with the codebook's pitch mapping")
	rootCmd.AddCommand(transformCmd)
}
