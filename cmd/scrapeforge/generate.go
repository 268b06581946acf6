package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scrapeforge/internal/generator"
)

var (
	genURL         string
	genFields      []string
	genDescription string
	genOut         string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a scraping script locally (no credits, nothing stored)",
	Example: `  scrapeforge generate --url https://books.example.com --field title --field price
  scrapeforge generate --url https://news.example.com --field headline,author --out news.py`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genURL, "url", "", "target page URL")
	generateCmd.Flags().StringSliceVar(&genFields, "field", nil, "field to extract (repeatable or comma separated)")
	generateCmd.Flags().StringVar(&genDescription, "description", "", "extra requirements for the script")
	generateCmd.Flags().StringVarP(&genOut, "out", "o", "", "write the script to this file instead of stdout")
	_ = generateCmd.MarkFlagRequired("url")
	_ = generateCmd.MarkFlagRequired("field")
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "text")

	c, err := initComponents(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	res, err := c.newGenerator(nil).Generate(cmd.Context(), generator.Input{
		TargetURL:   genURL,
		Fields:      genFields,
		Description: genDescription,
	})
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "model: %s", res.Meta.Model)
	if res.Meta.Error != "" {
		fmt.Fprintf(stderr, " (provider failed: %s)", res.Meta.Error)
	}
	fmt.Fprintln(stderr)
	if res.Meta.TokensUsed > 0 {
		fmt.Fprintf(stderr, "tokens: %d, cost: $%.6f\n", res.Meta.TokensUsed, res.Meta.Cost)
	}
	if !res.Validation.Valid {
		fmt.Fprintf(stderr, "validation issues:\n  - %s\n", strings.Join(res.Validation.Messages(), "\n  - "))
	}

	if genOut == "" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), res.Script)
		return err
	}
	if err := os.WriteFile(genOut, []byte(res.Script), 0644); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	fmt.Fprintf(stderr, "script written to %s\n", genOut)
	return nil
}
