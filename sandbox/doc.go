// Package sandbox implements the orchestrator that runs each submission in
// its own, never reused container instance.
//
// A backend creates the instance from the language's Sandbox Image without
// overriding its entrypoint, places the submission payload in the image's
// working directory, enforces a hard wall-clock deadline and a memory
// ceiling at the container runtime level, and reads the Execution Result
// the script writes to stdout. A non-zero script exit or a missing or
// malformed result is an InfrastructureError, never a compile or runtime
// outcome. Instances are always force-removed.
//
// Backends: docker (engine API), podman (CLI) and local (in-process, for
// development only). Managed wraps any of them with admission control
// (a concurrency bound and optional rate pacing) and the infrastructure
// retry policy, and records metrics.
//
// Usage:
//
//	orch, err := sandbox.NewExecutor(logger, cfg, metrics.New())
//	result, err := orch.Execute(ctx, sandbox.Submission{
//	    Language: "c",
//	    Source:   "#include <stdio.h>\nint main(){puts(\"hi\");}",
//	})
package sandbox
