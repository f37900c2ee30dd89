package toolchain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnknownLanguage is returned for languages missing from a catalog
var ErrUnknownLanguage = errors.New("unknown language")

// Placeholders understood in compile and run templates
const (
	PlaceholderSource   = "{{source}}"
	PlaceholderArtifact = "{{artifact}}"
	PlaceholderDir      = "{{dir}}"
	PlaceholderMemoryMB = "{{memory_mb}}"
)

// Toolchain describes one language runtime of the image family
type Toolchain struct {
	Name       string            `yaml:"name" mapstructure:"name"`
	BaseImage  string            `yaml:"base_image" mapstructure:"base_image"`
	SourceFile string            `yaml:"source_file" mapstructure:"source_file"`
	Artifact   string            `yaml:"artifact" mapstructure:"artifact"`
	Compile    []string          `yaml:"compile" mapstructure:"compile"`
	Run        []string          `yaml:"run" mapstructure:"run"`
	Env        map[string]string `yaml:"env" mapstructure:"env"`
	// Runtimes that reserve large virtual mappings (JVM, V8) are bounded by
	// their own heap flag and the container memory ceiling instead.
	NoAddressSpaceLimit bool `yaml:"no_address_space_limit" mapstructure:"no_address_space_limit"`
}

// Vars are the values substituted into templates
type Vars struct {
	Dir      string
	MemoryMB int
}

// Validate checks that the toolchain can be used by the runner
func (t Toolchain) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("toolchain name is required")
	}
	if t.SourceFile == "" {
		return fmt.Errorf("toolchain %s: source_file is required", t.Name)
	}
	if t.SourceFile != filepath.Base(t.SourceFile) {
		return fmt.Errorf("toolchain %s: source_file must be a bare file name, got %q", t.Name, t.SourceFile)
	}
	if t.Artifact != "" && t.Artifact != filepath.Base(t.Artifact) {
		return fmt.Errorf("toolchain %s: artifact must be a bare file name, got %q", t.Name, t.Artifact)
	}
	if len(t.Run) == 0 {
		return fmt.Errorf("toolchain %s: run command is required", t.Name)
	}
	return nil
}

// HasCompileStep reports whether a compile step is configured
func (t Toolchain) HasCompileStep() bool {
	return len(t.Compile) > 0
}

// CompileArgs expands the compile template
func (t Toolchain) CompileArgs(v Vars) []string {
	return t.expand(t.Compile, v)
}

// RunArgs expands the run template
func (t Toolchain) RunArgs(v Vars) []string {
	return t.expand(t.Run, v)
}

// SourcePath is where the submission source lives inside dir
func (t Toolchain) SourcePath(dir string) string {
	return filepath.Join(dir, t.SourceFile)
}

func (t Toolchain) expand(tmpl []string, v Vars) []string {
	artifact := t.Artifact
	if artifact == "" {
		artifact = strings.TrimSuffix(t.SourceFile, filepath.Ext(t.SourceFile))
	}
	r := strings.NewReplacer(
		PlaceholderSource, t.SourcePath(v.Dir),
		PlaceholderArtifact, filepath.Join(v.Dir, artifact),
		PlaceholderDir, v.Dir,
		PlaceholderMemoryMB, strconv.Itoa(v.MemoryMB),
	)

	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

// Merge returns t with every non-zero field of o applied on top
func (t Toolchain) Merge(o Toolchain) Toolchain {
	if o.Name != "" {
		t.Name = o.Name
	}
	if o.BaseImage != "" {
		t.BaseImage = o.BaseImage
	}
	if o.SourceFile != "" {
		t.SourceFile = o.SourceFile
	}
	if o.Artifact != "" {
		t.Artifact = o.Artifact
	}
	if len(o.Compile) > 0 {
		t.Compile = append([]string(nil), o.Compile...)
	}
	if len(o.Run) > 0 {
		t.Run = append([]string(nil), o.Run...)
	}
	if len(o.Env) > 0 {
		env := make(map[string]string, len(t.Env)+len(o.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		for k, v := range o.Env {
			env[k] = v
		}
		t.Env = env
	}
	if o.NoAddressSpaceLimit {
		t.NoAddressSpaceLimit = true
	}
	return t
}
