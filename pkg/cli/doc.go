// Package cli provides the shared plumbing of the vcbook command-line tool.
//
// This package includes:
//   - Configuration management (contexts holding artifact store and cache
//     locations)
//   - Output formatting (YAML, JSON, jq queries)
//   - Run file loading (YAML/JSON)
//   - A lipgloss frame for terminal summaries
//
// Configuration is stored in ~/.vcbook/config.yaml, supporting multiple
// contexts similar to kubectl.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig()
//	ctx, err := cfg.ResolveContext("")
//	store, err := ctx.OpenStore(context.Background())
//
//	cli.Output(report, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    Query:  ".entries",
//	})
package cli
