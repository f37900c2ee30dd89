package image

import (
	"archive/tar"
	"bytes"
	"fmt"
	"time"

	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/runner"
)

// ContextDockerfile is the Dockerfile name inside the build context
const ContextDockerfile = "Dockerfile"

// BuildContext returns a tar archive holding the rendered Dockerfile, the
// execution script and the image catalog. A missing script is a BuildError.
func BuildContext(d Definition, fs runner.FileSystem) ([]byte, error) {
	dockerfile, err := Render(d)
	if err != nil {
		return nil, execution.Build("render", err)
	}

	if d.ScriptSource == "" {
		return nil, execution.Build("build context", fmt.Errorf("image %s: script source is required", d.Language))
	}
	exists, err := fs.FileExists(d.ScriptSource)
	if err != nil {
		return nil, execution.Build("build context", fmt.Errorf("failed to stat script %s: %w", d.ScriptSource, err))
	}
	if !exists {
		return nil, execution.Build("build context", fmt.Errorf("script %s does not exist", d.ScriptSource))
	}
	script, err := fs.ReadFile(d.ScriptSource)
	if err != nil {
		return nil, execution.Build("build context", fmt.Errorf("failed to read script %s: %w", d.ScriptSource, err))
	}

	catalog, err := d.Catalog()
	if err != nil {
		return nil, execution.Build("build context", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	modTime := time.Unix(0, 0)

	files := []struct {
		name string
		mode int64
		data []byte
	}{
		{ContextDockerfile, 0o644, dockerfile},
		{ContextScriptName, 0o755, script},
		{ContextCatalogName, 0o644, catalog},
	}
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    f.mode,
			Size:    int64(len(f.data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, execution.Build("build context", fmt.Errorf("failed to write tar header: %w", err))
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, execution.Build("build context", fmt.Errorf("failed to write tar content: %w", err))
		}
	}
	if err := tw.Close(); err != nil {
		return nil, execution.Build("build context", fmt.Errorf("failed to close tar writer: %w", err))
	}
	return buf.Bytes(), nil
}
