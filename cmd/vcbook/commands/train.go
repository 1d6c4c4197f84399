package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
	"github.com/marytts/marytts-sub027/pkg/trainer"
)

// TrainRequest is the train run file.
type TrainRequest struct {
	Trainer trainer.Params      `json:"trainer" yaml:"trainer"`
	Pairs   []trainer.PairFiles `json:"pairs" yaml:"pairs"`
}

var noCache bool

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a codebook from parallel utterances",
	Long: `Train a weighted codebook and its pitch mapping.

Each pair names a source and a target utterance file (msgpack frames and
optional labels). The codebook and pitch mapping are published to the
store of the active context.

Example train.yaml:

  trainer:
    codebook_path: voices/alice.bin
    header:
      type: frames
    aligner: dtw
    eliminators:
      gaussian:
        active: true
        families: lsf+f0
  pairs:
    - source: corpus/src/0001.msgpack
      target: corpus/tgt/0001.msgpack`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req TrainRequest
		if err := cli.LoadRequest(inputFile, &req); err != nil {
			return err
		}
		if len(req.Pairs) == 0 {
			return fmt.Errorf("%s: no pairs", inputFile)
		}
		cctx, err := currentContext()
		if err != nil {
			return err
		}
		store, err := cctx.OpenStore(cmd.Context())
		if err != nil {
			return err
		}
		opts := trainer.Options{Store: store, Logger: slog.Default()}
		if !noCache {
			cache, err := cctx.OpenCache()
			if err != nil {
				return err
			}
			defer cache.Close()
			opts.Cache = cache
		}

		corpus, err := trainer.LoadCorpus(req.Pairs)
		if err != nil {
			return err
		}
		tr, err := trainer.New(req.Trainer, opts)
		if err != nil {
			return err
		}
		report, err := tr.Run(cmd.Context(), corpus)
		if err != nil {
			return err
		}
		slog.Info("training done",
			"run_id", report.RunID,
			"entries", report.Entries,
			"store", cctx.Location(),
			"elapsed", cli.FormatDuration(report.Elapsed))
		return printResult(report)
	},
}

func init() {
	addInputFlag(trainCmd)
	addOutputFlags(trainCmd)
	trainCmd.Flags().BoolVar(&noCache, "no-cache", false, "do not read or write the analysis cache")
	rootCmd.AddCommand(trainCmd)
}
