// Package main is the entry point for the vcbook CLI.
//
// Usage:
//
//	vcbook [flags] <command> [subcommand] [args]
//
// Commands:
//
//	train      - Train a weighted codebook from parallel utterances
//	transform  - Convert source utterances with a trained codebook
//	inspect    - Summarise a codebook
//	eliminate  - Re-run outlier elimination on a codebook
//	repair     - Fix the entry counter of an interrupted codebook
//	cache      - Inspect or purge the training analysis cache
//	schema     - Print JSON schemas of the run files
//	config     - Configuration management (contexts)
package main

import (
	"fmt"
	"os"

	"github.com/marytts/marytts-sub027/cmd/vcbook/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
