package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate <script.py>",
	Short: "Check a script for syntax errors and forbidden operations",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "print the result as JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "text")

	script, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	res := newValidator(cfg, logger).Validate(cmd.Context(), string(script))
	out := cmd.OutOrStdout()
	if validateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Fprintf(out, "%s: ok\n", args[0])
	} else {
		for _, issue := range res.Issues {
			if issue.Line > 0 {
				fmt.Fprintf(out, "%s:%d: %s: %s\n", args[0], issue.Line, issue.Kind, issue.Message)
			} else {
				fmt.Fprintf(out, "%s: %s: %s\n", args[0], issue.Kind, issue.Message)
			}
		}
	}
	if !res.Valid {
		return errors.New("script failed validation")
	}
	return nil
}
