package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/toolchain"
)

func testSettings() Settings {
	return Settings{
		Limits: runner.Limits{
			Time:        time.Second,
			CompileTime: 5 * time.Second,
			MemoryMB:    128,
			MaxOutput:   1024,
			Grace:       time.Second,
		},
		HardTimeout: 5 * time.Second,
		PidsLimit:   64,
		ImagePrefix: "execbox",
		WorkDir:     "/sandbox",
	}
}

func cSubmission() Submission {
	return Submission{ID: "sub-1", Language: toolchain.LanguageC, Source: "int main(void){return 0;}", Stdin: "5\n"}
}

type notFoundError struct{}

func (notFoundError) Error() string { return "No such image" }
func (notFoundError) NotFound()     {}

// MockDockerAPI implements DockerAPI for testing
type MockDockerAPI struct {
	mu sync.Mutex

	imageMissing bool
	createErr    error
	waitCode     int64
	hang         bool
	stdout       string
	stderr       string
	oomKilled    bool

	pulled     []string
	config     *container.Config
	hostConfig *container.HostConfig
	name       string
	copiedTo   string
	copied     []byte
	killed     []string
	removed    []string
}

func (m *MockDockerAPI) ImageInspect(_ context.Context, _ string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.imageMissing {
		return image.InspectResponse{}, notFoundError{}
	}
	return image.InspectResponse{}, nil
}

func (m *MockDockerAPI) ImagePull(_ context.Context, refStr string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, refStr)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (m *MockDockerAPI) ContainerCreate(_ context.Context, cfg *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.config, m.hostConfig, m.name = cfg, hostConfig, name
	return container.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (m *MockDockerAPI) CopyToContainer(_ context.Context, _, dstPath string, content io.Reader, _ container.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copiedTo, m.copied = dstPath, data
	return err
}

func (*MockDockerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (m *MockDockerAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if m.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: m.waitCode}
	return statusCh, errCh
}

func (m *MockDockerAPI) ContainerKill(_ context.Context, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, id)
	return nil
}

func (m *MockDockerAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if m.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(m.stdout))
	}
	if m.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(m.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (m *MockDockerAPI) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{OOMKilled: m.oomKilled},
		},
	}, nil
}

func (m *MockDockerAPI) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.Force {
		m.removed = append(m.removed, id)
	}
	return nil
}

func TestDockerExecutor(t *testing.T) {
	catalog := toolchain.Builtin()

	t.Run("RunsFixedEntrypoint", func(t *testing.T) {
		api := &MockDockerAPI{stdout: encodeResult(t, scriptOK("sub-1")), stderr: `{"level":"info"}`}
		m := metrics.New()
		executor := NewDockerExecutor(zaptest.NewLogger(t), testSettings(), catalog, api, WithDockerMetrics(m))

		result, err := executor.Execute(context.Background(), cSubmission())
		require.NoError(t, err)
		assert.Equal(t, execution.StatusOK, result.Status)
		assert.Equal(t, "sub-1", result.SubmissionID)

		require.NotNil(t, api.config)
		assert.Equal(t, "execbox-c", api.config.Image)
		assert.Nil(t, api.config.Entrypoint, "entrypoint must never be overridden")
		assert.Nil(t, api.config.Cmd, "no command arguments may be passed")
		assert.True(t, api.config.NetworkDisabled)
		assert.Contains(t, api.config.Env, "SANDBOX_SUBMISSION_ID=sub-1")
		assert.Equal(t, "execbox-sub-1", api.name)

		host := api.hostConfig
		assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
		assert.Equal(t, int64(128*1024*1024), host.Memory)
		assert.Equal(t, host.Memory, host.MemorySwap)
		assert.Equal(t, int64(64), *host.PidsLimit)
		assert.Equal(t, strslice.StrSlice{"ALL"}, host.CapDrop)
		assert.ElementsMatch(t, strslice.StrSlice{"SETUID", "SETGID", "KILL"}, host.CapAdd)
		assert.Contains(t, host.SecurityOpt, "no-new-privileges")

		assert.Equal(t, "/sandbox", api.copiedTo)
		files := readPayload(t, api.copied)
		assert.Equal(t, "int main(void){return 0;}", files["submission/main.c"])
		assert.Equal(t, "5\n", files["submission/stdin"])

		assert.Equal(t, []string{"0123456789abcdef"}, api.removed)
		assert.Empty(t, api.killed)
	})

	t.Run("HardTimeoutKillsContainer", func(t *testing.T) {
		api := &MockDockerAPI{hang: true}
		settings := testSettings()
		settings.HardTimeout = 50 * time.Millisecond
		executor := NewDockerExecutor(zaptest.NewLogger(t), settings, catalog, api)

		result, err := executor.Execute(context.Background(), cSubmission())
		require.NoError(t, err)
		assert.Equal(t, execution.StatusResourceLimitExceeded, result.Status)
		assert.Equal(t, execution.LimitTime, result.Limit)
		assert.Equal(t, execution.DetectedByOrchestrator, result.DetectedBy)
		assert.Equal(t, []string{"0123456789abcdef"}, api.killed)
		assert.Equal(t, []string{"0123456789abcdef"}, api.removed)
	})

	t.Run("CallerCancellationIsInfrastructure", func(t *testing.T) {
		api := &MockDockerAPI{hang: true}
		executor := NewDockerExecutor(zaptest.NewLogger(t), testSettings(), catalog, api)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		result, err := executor.Execute(ctx, cSubmission())
		require.Error(t, err)
		assert.Equal(t, execution.StatusInfrastructureError, result.Status)
		assert.Equal(t, []string{"0123456789abcdef"}, api.removed)
	})

	t.Run("ScriptFailure", func(t *testing.T) {
		api := &MockDockerAPI{waitCode: 1, stderr: "cannot read manifest"}
		executor := NewDockerExecutor(zaptest.NewLogger(t), testSettings(), catalog, api)

		result, err := executor.Execute(context.Background(), cSubmission())
		require.Error(t, err)
		assert.Equal(t, execution.InfrastructureError, execution.KindOf(err))
		assert.Equal(t, execution.StatusInfrastructureError, result.Status)
		assert.Contains(t, result.Message, "cannot read manifest")
		assert.NotEmpty(t, api.removed)
	})

	t.Run("OOMKilled", func(t *testing.T) {
		api := &MockDockerAPI{waitCode: 137, oomKilled: true}
		executor := NewDockerExecutor(zaptest.NewLogger(t), testSettings(), catalog, api)

		result, err := executor.Execute(context.Background(), cSubmission())
		require.NoError(t, err)
		assert.Equal(t, execution.LimitMemory, result.Limit)
	})

	t.Run("CreateFailure", func(t *testing.T) {
		api := &MockDockerAPI{createErr: errors.New("daemon unavailable")}
		executor := NewDockerExecutor(zaptest.NewLogger(t), testSettings(), catalog, api)

		_, err := executor.Execute(context.Background(), cSubmission())
		assert.True(t, execution.IsRetryable(err))
		assert.Empty(t, api.removed)
	})

	t.Run("MissingImage", func(t *testing.T) {
		api := &MockDockerAPI{imageMissing: true}
		executor := NewDockerExecutor(zaptest.NewLogger(t), testSettings(), catalog, api)

		_, err := executor.Execute(context.Background(), cSubmission())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandboxctl build")
		assert.Nil(t, api.config)
	})

	t.Run("PullsMissingImage", func(t *testing.T) {
		api := &MockDockerAPI{imageMissing: true, stdout: encodeResult(t, scriptOK("sub-1"))}
		settings := testSettings()
		settings.PullMissing = true
		executor := NewDockerExecutor(zaptest.NewLogger(t), settings, catalog, api)

		_, err := executor.Execute(context.Background(), cSubmission())
		require.NoError(t, err)
		assert.Equal(t, []string{"execbox-c"}, api.pulled)
	})

	t.Run("InvalidSubmission", func(t *testing.T) {
		api := &MockDockerAPI{}
		executor := NewDockerExecutor(zaptest.NewLogger(t), testSettings(), catalog, api)

		_, err := executor.Execute(context.Background(), Submission{Language: "brainfuck", Source: "+"})
		require.ErrorIs(t, err, ErrInvalidSubmission)
		assert.False(t, execution.IsRetryable(err))
	})
}

type mockCommandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the first two arguments ("podman run").
type MockCommandRunner struct {
	mu       sync.Mutex
	calls    [][]string
	results  map[string]mockCommandResult
	hang     map[string]bool
	onInvoke func(args []string)
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	key := strings.Join(args[:min(2, len(args))], " ")

	m.mu.Lock()
	m.calls = append(m.calls, args)
	hang := m.hang[key]
	result := m.results[key]
	onInvoke := m.onInvoke
	m.mu.Unlock()

	if onInvoke != nil {
		onInvoke(args)
	}
	if hang {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	return result.stdout, result.stderr, result.exitCode, result.err
}

func (m *MockCommandRunner) verbs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, strings.Join(c[:min(2, len(c))], " "))
	}
	return out
}

func TestPodmanExecutor(t *testing.T) {
	catalog := toolchain.Builtin()

	t.Run("RunsFixedEntrypoint", func(t *testing.T) {
		var source string
		cmdRunner := &MockCommandRunner{
			results: map[string]mockCommandResult{
				"podman run":     {stdout: encodeResult(t, scriptOK("sub-1"))},
				"podman inspect": {stdout: "false\n"},
			},
		}
		cmdRunner.onInvoke = func(args []string) {
			if args[1] != "run" {
				return
			}
			for i, a := range args {
				if a == "-v" {
					hostDir := strings.SplitN(args[i+1], ":", 2)[0]
					data, _ := os.ReadFile(filepath.Join(hostDir, "main.c"))
					source = string(data)
				}
			}
		}
		executor := NewPodmanExecutor(zaptest.NewLogger(t), testSettings(), catalog, WithPodmanCommandRunner(cmdRunner))

		result, err := executor.Execute(context.Background(), cSubmission())
		require.NoError(t, err)
		assert.Equal(t, execution.StatusOK, result.Status)
		assert.Equal(t, "int main(void){return 0;}", source)

		run := cmdRunner.calls[0]
		assert.Equal(t, "execbox-c", run[len(run)-1], "image must be the last argument")
		assert.NotContains(t, run, "--entrypoint")
		assert.Contains(t, run, "--network")
		assert.Contains(t, strings.Join(run, " "), "--network none")
		assert.Contains(t, strings.Join(run, " "), "--memory 128m --memory-swap 128m")
		assert.Contains(t, strings.Join(run, " "), ":/sandbox/submission:ro")
		assert.Equal(t, []string{"podman run", "podman inspect", "podman rm"}, cmdRunner.verbs())
	})

	t.Run("HardTimeoutKillsContainer", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{hang: map[string]bool{"podman run": true}}
		settings := testSettings()
		settings.HardTimeout = 50 * time.Millisecond
		executor := NewPodmanExecutor(zaptest.NewLogger(t), settings, catalog, WithPodmanCommandRunner(cmdRunner))

		result, err := executor.Execute(context.Background(), cSubmission())
		require.NoError(t, err)
		assert.Equal(t, execution.LimitTime, result.Limit)
		assert.Equal(t, execution.DetectedByOrchestrator, result.DetectedBy)
		assert.Equal(t, []string{"podman run", "podman kill", "podman rm"}, cmdRunner.verbs())
	})

	t.Run("PodmanFailure", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{results: map[string]mockCommandResult{
			"podman run": {exitCode: 125, stderr: "Error: execbox-c: image not known"},
		}}
		executor := NewPodmanExecutor(zaptest.NewLogger(t), testSettings(), catalog, WithPodmanCommandRunner(cmdRunner))

		result, err := executor.Execute(context.Background(), cSubmission())
		require.Error(t, err)
		assert.Equal(t, execution.InfrastructureError, execution.KindOf(err))
		assert.Contains(t, result.Message, "image not known")
	})

	t.Run("OOMKilled", func(t *testing.T) {
		cmdRunner := &MockCommandRunner{results: map[string]mockCommandResult{
			"podman run":     {exitCode: 137},
			"podman inspect": {stdout: "true\n"},
		}}
		executor := NewPodmanExecutor(zaptest.NewLogger(t), testSettings(), catalog, WithPodmanCommandRunner(cmdRunner))

		result, err := executor.Execute(context.Background(), cSubmission())
		require.NoError(t, err)
		assert.Equal(t, execution.LimitMemory, result.Limit)
	})

	t.Run("UserAndNetwork", func(t *testing.T) {
		settings := testSettings()
		settings.User = "nobody"
		settings.Network = true
		executor := NewPodmanExecutor(zaptest.NewLogger(t), settings, catalog)

		args := executor.runArgs("n", "execbox-py", Submission{ID: "x", Language: "py"}, "/tmp/p")
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "--network bridge")
		assert.Contains(t, joined, "--user nobody")
		assert.Contains(t, joined, "-e SANDBOX_NETWORK=true")
		assert.Equal(t, "execbox-py", args[len(args)-1])
	})

	t.Run("KeepsOnlyUserSwitchCapabilities", func(t *testing.T) {
		executor := NewPodmanExecutor(zaptest.NewLogger(t), testSettings(), catalog)

		joined := strings.Join(executor.runArgs("n", "execbox-py", Submission{ID: "x", Language: "py"}, "/tmp/p"), " ")
		assert.Contains(t, joined, "--cap-drop ALL --cap-add SETUID --cap-add SETGID --cap-add KILL")
		assert.Contains(t, joined, "--security-opt no-new-privileges")
	})
}
