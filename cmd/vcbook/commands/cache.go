package commands

import (
	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
	"github.com/marytts/marytts-sub027/pkg/codebook"
)

var cacheType string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or purge the training analysis cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count cached pair extractions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := currentContext()
		if err != nil {
			return err
		}
		cache, err := cctx.OpenCache()
		if err != nil {
			return err
		}
		defer cache.Close()
		n, err := cache.Len(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(map[string]any{"dir": cctx.CacheDir, "entries": n})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove cached pair extractions",
	Long: `Remove cached pair extractions of one codebook type (--type) or all of
them. The next training run analyses every pair again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		t := codebook.Type(-1)
		if cacheType != "" {
			if err := t.UnmarshalText([]byte(cacheType)); err != nil {
				return err
			}
		}
		cctx, err := currentContext()
		if err != nil {
			return err
		}
		cache, err := cctx.OpenCache()
		if err != nil {
			return err
		}
		defer cache.Close()
		n, err := cache.Purge(cmd.Context(), t)
		if err != nil {
			return err
		}
		cli.PrintSuccess("purged %d cached extractions", n)
		return nil
	},
}

func init() {
	addOutputFlags(cacheStatsCmd)
	cachePurgeCmd.Flags().StringVar(&cacheType, "type", "", "codebook type to purge (default: all)")
	cacheCmd.AddCommand(cacheStatsCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
