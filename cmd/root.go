// Package cmd defines the tidecrawl CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tidecrawl",
		Short: "Request orchestration for crawling, sitemap expansion, and search.",
		Long: `tidecrawl accepts crawl, sitemap, and search requests over HTTP and drives
them through a rate-limited, deduplicating fetch/extract/index pipeline.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; env vars with prefix TIDECRAWL also apply)")
	cmd.AddCommand(newServeCmd(), newSubmitCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}
