package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scrapeforge/internal/domain"
	"github.com/jkaninda/scrapeforge/internal/sandbox"
)

var (
	runFormat         string
	runTimeout        time.Duration
	runSkipValidation bool
)

var runCmd = &cobra.Command{
	Use:   "run <script.py>",
	Short: "Run a script in the sandbox and print where its output went",
	Args:  cobra.ExactArgs(1),
	RunE:  runScript,
}

func init() {
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "json", "output format: json, csv or xml")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "wall-clock limit (default execution.timeout_seconds)")
	runCmd.Flags().BoolVar(&runSkipValidation, "skip-validation", false, "run without the static policy check")
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "text")

	format, err := domain.ParseOutputFormat(runFormat)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	c, err := initComponents(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	if !runSkipValidation {
		if res := c.validator.Validate(cmd.Context(), string(script)); !res.Valid {
			return fmt.Errorf("script failed validation: %s", strings.Join(res.Messages(), "; "))
		}
	}

	id := domain.NewID().String()
	res := c.newSandbox().Run(cmd.Context(), sandbox.RunRequest{
		ScriptPath:   path,
		ExecutionID:  id,
		OutputFormat: format,
		Timeout:      runTimeout,
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "execution: %s\n", id)
	fmt.Fprintf(out, "status:    %s\n", res.Status)
	fmt.Fprintf(out, "duration:  %s\n", res.Duration.Round(time.Millisecond))
	if res.OutputPath != "" {
		fmt.Fprintf(out, "output:    %s\n", res.OutputPath)
	}
	if res.Stdout != "" {
		fmt.Fprintf(out, "\n--- stdout ---\n%s\n", strings.TrimRight(res.Stdout, "\n"))
	}
	if res.Stderr != "" {
		fmt.Fprintf(out, "\n--- stderr ---\n%s\n", strings.TrimRight(res.Stderr, "\n"))
	}
	if res.Status != domain.ExecutionCompleted {
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return fmt.Errorf("execution %s", res.Status)
	}
	return nil
}
