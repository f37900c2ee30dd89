package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/sandbox"
)

var (
	languageFlag string
	stdinFlag    string
)

var runCmd = &cobra.Command{
	Use:   "run <source-file> [-- args...]",
	Short: "Execute one submission and print its Execution Result",
	Long: `Send a source file through the configured orchestrator backend and
print the Execution Result document. The command fails only when the
platform could not execute the submission.

Examples:
  sandboxctl run -l c hello.c
  sandboxctl run -l py solve.py --stdin input.txt -- --verbose`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Submission language")
	runCmd.Flags().StringVar(&stdinFlag, "stdin", "", "File fed to the program's standard input")
	_ = runCmd.MarkFlagRequired("language")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	sub := sandbox.Submission{
		Language: languageFlag,
		Source:   string(source),
		Args:     args[1:],
	}
	if stdinFlag != "" {
		stdin, err := os.ReadFile(stdinFlag)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		sub.Stdin = string(stdin)
	}

	orch, err := sandbox.NewExecutor(log, cfg, metrics.New())
	if err != nil {
		return err
	}

	result, execErr := orch.Execute(cmd.Context(), sub)
	if result.Status != "" {
		if err := execution.Encode(cmd.OutOrStdout(), result); err != nil {
			return errors.Join(execErr, err)
		}
	}
	return execErr
}
