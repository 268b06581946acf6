// ScrapeForge turns a page description into a Python scraping script and
// runs it in a sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scrapeforge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scrapeforge",
	Short: "ScrapeForge generates scraping scripts with an LLM and runs them in a sandbox.",
	Long: `ScrapeForge generates Python scraping scripts from a target URL and a list of
fields, validates them against a static policy and runs them in a resource-limited
sandbox. Generation is paid for with per-user credits.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.LoadDotEnv()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.scrapeforge/config.yaml)")
	rootCmd.AddCommand(serveCmd, generateCmd, validateCmd, runCmd, userCmd, mcpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
