// Package runner implements the execution script that every sandbox image
// runs as its immutable entrypoint.
//
// A Runner copies the submission into a private scratch directory, compiles
// it with the image's toolchain and, only when compilation succeeded, runs
// the artifact under the time, memory and output budgets. The program is
// started through the guard (the entrypoint binary re-executed with the
// "guard" subcommand), which applies rlimits, switches to an unprivileged
// user when asked and loads a seccomp filter before exec'ing the artifact.
// The launcher watches the program's resident set against the memory
// budget.
//
// Usage:
//
//	r := runner.New(log, catalog, runner.LimitsFromEnv(), runner.WithGuard(self))
//	result := r.Run(ctx, payload)
//	_ = execution.Encode(os.Stdout, result)
package runner
