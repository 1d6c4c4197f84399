package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/cli"
	"github.com/marytts/marytts-sub027/pkg/storage"
)

var (
	ctxStoreDir   string
	ctxCacheDir   string
	ctxS3Bucket   string
	ctxS3Prefix   string
	ctxS3Region   string
	ctxS3Endpoint string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage contexts.

A context names the artifact store (a local directory or an S3 bucket)
and the analysis cache directory used by train, transform and inspect.

Examples:
  vcbook config list
  vcbook config add-context dev --store-dir ~/voices
  vcbook config add-context prod --s3-bucket voices --s3-prefix codebooks
  vcbook config use-context dev`,
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "list-contexts"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()
		if len(names) == 0 {
			fmt.Println("No contexts configured.")
			fmt.Println("Create one with: vcbook config add-context <name>")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tSTORE\tCACHE")
		for _, name := range names {
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			c := cfg.Contexts[name]
			cache := c.CacheDir
			if cache == "" {
				cache = "(memory)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", current, name, c.Location(), cache)
		}
		return w.Flush()
	},
}

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Create or replace a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		c := &cli.Context{StoreDir: ctxStoreDir, CacheDir: ctxCacheDir}
		if ctxS3Bucket != "" {
			c.S3 = &storage.S3Config{
				Bucket:   ctxS3Bucket,
				Prefix:   ctxS3Prefix,
				Region:   ctxS3Region,
				Endpoint: ctxS3Endpoint,
			}
		} else if c.StoreDir == "" {
			paths, err := cli.NewPaths()
			if err != nil {
				return err
			}
			c.StoreDir = paths.StoreDir()
		}
		if err := cfg.AddContext(args[0], c); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q saved (store %s).", args[0], c.Location())
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted.", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q.", args[0])
		return nil
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Display the current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Println("No current context set.")
			return nil
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

func init() {
	f := configAddContextCmd.Flags()
	f.StringVar(&ctxStoreDir, "store-dir", "", "local artifact store (default: ~/.vcbook/store)")
	f.StringVar(&ctxCacheDir, "cache-dir", "", "analysis cache directory (default: in memory)")
	f.StringVar(&ctxS3Bucket, "s3-bucket", "", "publish artifacts to this S3 bucket")
	f.StringVar(&ctxS3Prefix, "s3-prefix", "", "S3 key prefix")
	f.StringVar(&ctxS3Region, "s3-region", "", "S3 region (default: from the AWS config)")
	f.StringVar(&ctxS3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")

	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configAddContextCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configCurrentContextCmd)
	rootCmd.AddCommand(configCmd)
}
