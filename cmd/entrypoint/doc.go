// Package main is the Execution Script baked into every sandbox image.
//
// The binary is the image's exec-form ENTRYPOINT. It reads the submission
// payload from <workdir>/submission, compiles it with the toolchain of the
// image language, runs the artifact under the SANDBOX_* budgets and writes
// exactly one Execution Result document to stdout (and SANDBOX_RESULT_PATH
// when set). Logs go to stderr.
//
// The process exits 0 whenever it wrote a well-formed result describing the
// program; the program's own exit code lives inside the result. Any other
// exit status means the script itself failed.
//
// The hidden guard subcommand is used by the runner to re-exec itself
// around the submitted program with rlimits and a seccomp filter applied.
// Started as root, the script keeps its own uid and runs the program as
// SANDBOX_RUN_UID, so the program can neither signal the script nor reach
// its file descriptors.
//
// The toolchain comes from SANDBOX_CATALOG, the catalog baked into the
// image, falling back to the built-in catalog.
//
// The binary must be built static (CGO_ENABLED=0) so it runs on every base
// image of the family.
package main
