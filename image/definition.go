package image

import (
	"fmt"
	"path"
	"strings"

	"github.com/isdmx/execbox/toolchain"
)

// Label keys attached to every image of the family
const (
	LabelLanguage = "io.execbox.language"
	LabelManaged  = "io.execbox.managed"
)

// Definition is everything needed to render and build one Sandbox Image
type Definition struct {
	Language  string
	BaseImage string
	// WorkDir is the fixed working directory inside the image
	WorkDir string
	// ScriptSource is the host path of the execution script binary
	ScriptSource string
	// ScriptTarget is the absolute path the script is installed to
	ScriptTarget string
	// Toolchain is baked into the image as its catalog, so the script runs
	// the language exactly as the orchestrator configured it
	Toolchain toolchain.Toolchain
	Env       map[string]string
	Labels    map[string]string
}

// FromToolchain derives the image definition for tc
func FromToolchain(tc toolchain.Toolchain, workDir, scriptSource, scriptTarget string) Definition {
	return Definition{
		Language:     tc.Name,
		BaseImage:    tc.BaseImage,
		WorkDir:      workDir,
		ScriptSource: scriptSource,
		ScriptTarget: scriptTarget,
		Toolchain:    tc,
		Labels: map[string]string{
			LabelLanguage: tc.Name,
			LabelManaged:  "true",
		},
	}
}

// CatalogTarget is the absolute path the catalog is installed to
func (d Definition) CatalogTarget() string {
	return path.Join(d.WorkDir, ContextCatalogName)
}

// Catalog renders the one-language catalog baked into the image
func (d Definition) Catalog() ([]byte, error) {
	return toolchain.MarshalCatalog(toolchain.Catalog{d.Language: d.Toolchain})
}

// Validate checks that the definition can produce a working image
func (d Definition) Validate() error {
	if d.Language == "" {
		return fmt.Errorf("image language is required")
	}
	if d.BaseImage == "" {
		return fmt.Errorf("image %s: base image is required", d.Language)
	}
	if strings.ContainsAny(d.BaseImage, " \n\t") {
		return fmt.Errorf("image %s: invalid base image %q", d.Language, d.BaseImage)
	}
	if !path.IsAbs(d.WorkDir) {
		return fmt.Errorf("image %s: workdir must be an absolute path, got %q", d.Language, d.WorkDir)
	}
	if d.ScriptTarget == "" {
		return fmt.Errorf("image %s: script target is required", d.Language)
	}
	target := path.Clean(d.ScriptTarget)
	if !path.IsAbs(target) || !strings.HasPrefix(target, path.Clean(d.WorkDir)+"/") {
		return fmt.Errorf("image %s: script target %q must live inside %s", d.Language, d.ScriptTarget, d.WorkDir)
	}
	if err := d.Toolchain.Validate(); err != nil {
		return fmt.Errorf("image %s: %w", d.Language, err)
	}
	if d.Toolchain.Name != d.Language {
		return fmt.Errorf("image %s: toolchain is for %q", d.Language, d.Toolchain.Name)
	}
	for k, v := range d.Env {
		if k == "" || strings.ContainsAny(k, "= \n") || strings.Contains(v, "\n") {
			return fmt.Errorf("image %s: invalid environment entry %q", d.Language, k)
		}
	}
	return nil
}
