package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/outlier"
)

// EliminateResult reports one elimination run.
type EliminateResult struct {
	Input    string         `json:"input" yaml:"input"`
	Output   string         `json:"output" yaml:"output"`
	Gaussian outlier.Report `json:"gaussian" yaml:"gaussian"`
	KMeans   outlier.Report `json:"kmeans" yaml:"kmeans"`
}

var eliminateCmd = &cobra.Command{
	Use:   "eliminate <in> <out>",
	Short: "Re-run outlier elimination on a local codebook",
	Long: `Apply the Gaussian and KMeans eliminators to an existing codebook
and write the surviving entries to a new file.

The run file holds outlier parameters, the same shape as the
eliminators section of train.yaml:

  gaussian:
    active: true
    families: lsf+f0+duration
  kmeans:
    active: true
    clustering: joint
    families: lsf
    num_clusters: 30
    policy:
      kind: least_likely
      likelihood: 0.1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, out := args[0], args[1]
		if in == out {
			return fmt.Errorf("input and output must differ")
		}
		var p outlier.Params
		if err := cli.LoadRequest(inputFile, &p); err != nil {
			return err
		}
		cb, err := codebook.ReadAll(in)
		if err != nil {
			return err
		}
		entries, g, k, err := outlier.Run(cmd.Context(), cb.Entries(), p, slog.Default())
		if err != nil {
			return err
		}
		kept, err := codebook.New(cb.Header(), entries)
		if err != nil {
			return err
		}
		if err := codebook.WriteAll(out, kept); err != nil {
			return err
		}
		return printResult(EliminateResult{Input: in, Output: out, Gaussian: g, KMeans: k})
	},
}

func init() {
	addInputFlag(eliminateCmd)
	addOutputFlags(eliminateCmd)
	rootCmd.AddCommand(eliminateCmd)
}
