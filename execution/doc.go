// Package execution defines the Execution Result exchanged between the
// in-container entrypoint and the orchestrator, and the platform error
// taxonomy.
//
// Compile failures, runtime failures and exceeded budgets are outcomes
// reported inside a Result. Build and infrastructure failures are Go errors
// of type *Error.
//
// Usage:
//
//	if err := execution.Encode(os.Stdout, result); err != nil {
//	    return err
//	}
//	result, err := execution.Decode(containerStdout)
package execution
