package commands

import (
	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
)

var (
	inputFile    string
	outputFormat string
	outputFile   string
	jqQuery      string
)

func addInputFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "run file (YAML or JSON)")
	cmd.MarkFlagRequired("file")
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml, json)")
	cmd.Flags().StringVar(&outputFile, "output-file", "", "write output to a file instead of stdout")
	cmd.Flags().StringVar(&jqQuery, "jq", "", "jq expression applied to the output")
}

func printResult(v any) error {
	return cli.Output(v, cli.OutputOptions{
		Format: cli.OutputFormat(outputFormat),
		File:   outputFile,
		Query:  jqQuery,
	})
}
