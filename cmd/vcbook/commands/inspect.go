package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/marytts/marytts-sub027/pkg/cli"
	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/storage"
)

// Summary describes a codebook.
type Summary struct {
	Path     string           `json:"path" yaml:"path"`
	Size     string           `json:"size" yaml:"size"`
	Header   codebook.Header  `json:"header" yaml:"header"`
	Features []FeatureStats   `json:"features" yaml:"features"`
	Entries  []codebook.Entry `json:"entries,omitempty" yaml:"entries,omitempty"`
}

// FeatureStats summarises one scalar family on one side.
type FeatureStats struct {
	Family string  `json:"family" yaml:"family"`
	Side   string  `json:"side" yaml:"side"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"std_dev" yaml:"std_dev"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
}

var (
	inspectLocal   bool
	inspectEntries bool
	inspectTUI     bool
	inspectWidth   int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <codebook>",
	Short: "Summarise a codebook",
	Long: `Print the header and per-family statistics of a codebook.

The path is resolved in the store of the active context unless --local is
given.

Examples:
  vcbook inspect voices/alice.bin
  vcbook inspect voices/alice.bin -o json --jq '.features[] | select(.family == "f0")'
  vcbook inspect --local ./alice.bin --tui`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cb, err := loadCodebook(cmd.Context(), args[0], inspectLocal)
		if err != nil {
			return err
		}
		s := summarize(args[0], cb, inspectEntries)
		if inspectTUI {
			fmt.Println(summaryCard(s).Render(inspectWidth))
			return nil
		}
		return printResult(s)
	},
}

func loadCodebook(ctx context.Context, path string, local bool) (*codebook.Codebook, error) {
	if local {
		return codebook.ReadAll(path)
	}
	cctx, err := currentContext()
	if err != nil {
		return nil, err
	}
	store, err := cctx.OpenStore(ctx)
	if err != nil {
		return nil, err
	}
	cb, err := storage.Load(ctx, store, path, codebook.Decode)
	if storage.IsNotExist(err) {
		return nil, fmt.Errorf("%s in %s: %w", path, cctx.Location(), codebook.ErrNotFound)
	}
	return cb, err
}

func summarize(path string, cb *codebook.Codebook, withEntries bool) Summary {
	h := cb.Header()
	s := Summary{
		Path:   path,
		Size:   cli.FormatBytes(int64(codebook.HeaderSize + cb.Len()*h.EntrySize())),
		Header: h,
	}
	if withEntries {
		s.Entries = cb.Entries()
	}
	if cb.Len() == 0 {
		return s
	}
	for _, f := range []codebook.Family{codebook.F0, codebook.Energy, codebook.Duration} {
		for _, side := range []codebook.Side{codebook.Source, codebook.Target} {
			var vals []float64
			for _, v := range cb.Features(side, f) {
				vals = append(vals, v[0])
			}
			mean, std := stat.MeanStdDev(vals, nil)
			s.Features = append(s.Features, FeatureStats{
				Family: f.String(),
				Side:   side.String(),
				Mean:   mean,
				StdDev: std,
				Min:    floats.Min(vals),
				Max:    floats.Max(vals),
			})
		}
	}
	return s
}

func summaryCard(s Summary) cli.Card {
	h := s.Header
	card := cli.Card{
		Title: s.Path,
		Badge: fmt.Sprintf("%s, %d entries", h.Type, h.TotalEntries),
		Fields: []cli.Field{
			{Key: "lsf_dim", Value: fmt.Sprint(h.LsfDim)},
			{Key: "mfcc_dim", Value: fmt.Sprint(h.MfccDim)},
			{Key: "size", Value: cli.FormatEntries(int(h.TotalEntries), h.EntrySize())},
			{Key: "sampling_rate", Value: fmt.Sprint(h.LSF.SamplingRate)},
			{Key: "skip", Value: fmt.Sprintf("%gs", h.LSF.SkipSize)},
			{Key: "neighbours", Value: fmt.Sprintf("%d/%d", h.NumNeighboursInFrameGroups, h.NumNeighboursInLabelGroups)},
		},
		Footer: "vcbook inspect -o json --jq <expr> for details",
	}
	// Features alternate source and target per family.
	for i := 0; i+1 < len(s.Features); i += 2 {
		src, tgt := s.Features[i], s.Features[i+1]
		card.Rows = append(card.Rows, cli.Row{
			Label:  src.Family,
			Source: cli.MeanStd(src.Mean, src.StdDev),
			Target: cli.MeanStd(tgt.Mean, tgt.StdDev),
		})
	}
	return card
}

func init() {
	addOutputFlags(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectLocal, "local", false, "treat the path as a local file")
	inspectCmd.Flags().BoolVar(&inspectEntries, "entries", false, "include every entry in the output")
	inspectCmd.Flags().BoolVar(&inspectTUI, "tui", false, "render a terminal summary card")
	inspectCmd.Flags().IntVar(&inspectWidth, "width", termWidth(), "card width for --tui")
	rootCmd.AddCommand(inspectCmd)
}

func termWidth() int {
	var cols int
	if _, err := fmt.Sscan(os.Getenv("COLUMNS"), &cols); err == nil && cols > 20 {
		return cols
	}
	return 100
}
