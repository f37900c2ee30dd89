package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/toolchain"
)

const (
	envLogLevel = "SANDBOX_LOG_LEVEL"
	envRunUID   = "SANDBOX_RUN_UID"

	// defaultRunUID is nobody
	defaultRunUID = 65534
)

var errInfrastructure = errors.New("execution script reported an infrastructure error")

var rootCmd = &cobra.Command{
	Use:   "entrypoint",
	Short: "Compile and run the submission in this sandbox",
	Long: `Compile and run the submission found under $SANDBOX_WORKDIR/submission.

The Execution Result is written to stdout as a single JSON document.
Budgets come from SANDBOX_TIME_LIMIT_MS, SANDBOX_COMPILE_TIME_LIMIT_MS,
SANDBOX_MEMORY_MB, SANDBOX_MAX_OUTPUT_BYTES and SANDBOX_GRACE_MS. When
started as root, programs run as SANDBOX_RUN_UID (default 65534).`,
	Args:          cobra.NoArgs,
	RunE:          runEntrypoint,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runner.GuardCommand())
}

func runEntrypoint(cmd *cobra.Command, _ []string) error {
	level := os.Getenv(envLogLevel)
	if level == "" {
		level = "warn"
	}
	log, err := logger.New("production", level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	catalog := toolchain.Builtin()
	if path := os.Getenv(runner.EnvCatalog); path != "" {
		if catalog, err = toolchain.LoadCatalog(path); err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating entrypoint binary: %w", err)
	}

	cfg := runner.ScriptConfigFromEnv()
	cfg.Input = os.Stdin

	opts := []runner.Option{
		runner.WithGuard(self),
		runner.WithNetwork(cfg.Network),
	}
	if uid, ok := runUID(os.Geteuid()); ok {
		opts = append(opts, runner.WithRunAs(uid, uid))
	}
	r := runner.New(log, catalog, cfg.Limits, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	result, err := r.RunScript(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	if result.Status == execution.StatusInfrastructureError {
		log.Error("submission not executed",
			zap.String("submission_id", result.SubmissionID),
			zap.String("message", result.Message))
		return errInfrastructure
	}
	return nil
}

// runUID picks the user programs run as. Only a root entrypoint can switch
// users; it never leaves programs running as root.
func runUID(euid int) (uint32, bool) {
	if euid != 0 {
		return 0, false
	}
	uid, err := strconv.ParseUint(os.Getenv(envRunUID), 10, 32)
	if err != nil || uid == 0 {
		return defaultRunUID, true
	}
	return uint32(uid), true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
