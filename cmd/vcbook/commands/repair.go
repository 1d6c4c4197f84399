package commands

import (
	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
	"github.com/marytts/marytts-sub027/pkg/codebook"
)

var repairCmd = &cobra.Command{
	Use:   "repair <codebook>",
	Short: "Fix the entry counter of an interrupted local codebook",
	Long: `Recompute the entry counter of a local codebook from its length and
drop a trailing partial entry. Use it on files left by an interrupted
writer.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := codebook.Repair(args[0])
		if err != nil {
			return err
		}
		cli.PrintSuccess("%s: %d entries", args[0], n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)
}
