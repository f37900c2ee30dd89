//go:build !linux

package runner

import (
	"context"
	"fmt"
	"runtime"
)

// OSLauncher is only available on Linux, where sandbox images run
type OSLauncher struct{}

// Launch always fails outside Linux
func (OSLauncher) Launch(_ context.Context, _ Process) (ProcessState, error) {
	return ProcessState{}, fmt.Errorf("process launching is not supported on %s", runtime.GOOS)
}
