package image

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"text/template"

	"github.com/isdmx/execbox/runner"
)

// Names of the files inside the build context
const (
	ContextScriptName  = "entrypoint"
	ContextCatalogName = "catalog.yaml"
)

// FileName returns the conventional Dockerfile name for language
func FileName(language string) string {
	return "Dockerfile." + language
}

// Tag returns the image reference for language
func Tag(prefix, language string) string {
	return prefix + "-" + language
}

var dockerfileTemplate = template.Must(template.New("dockerfile").Parse(`FROM {{.BaseImage}}
{{range .Labels}}LABEL {{.}}
{{end}}WORKDIR {{.WorkDir}}
COPY {{.ContextScript}} {{.ScriptTarget}}
RUN chmod 0755 {{.ScriptTarget}}
COPY {{.ContextCatalog}} {{.CatalogTarget}}
{{range .Env}}ENV {{.}}
{{end}}ENTRYPOINT {{.Entrypoint}}
`))

type dockerfileData struct {
	BaseImage      string
	Labels         []string
	WorkDir        string
	ContextScript  string
	ScriptTarget   string
	ContextCatalog string
	CatalogTarget  string
	Env            []string
	Entrypoint     string
}

// Render produces the Dockerfile for d. The entrypoint is immutable: it is
// always exec-form and no CMD is emitted, so run-time arguments can never
// replace the script.
func Render(d Definition) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	env := map[string]string{
		runner.EnvLanguage: d.Language,
		runner.EnvWorkDir:  d.WorkDir,
		runner.EnvCatalog:  d.CatalogTarget(),
	}
	for k, v := range d.Env {
		env[k] = v
	}

	entrypoint, err := json.Marshal([]string{d.ScriptTarget})
	if err != nil {
		return nil, fmt.Errorf("failed to encode entrypoint: %w", err)
	}

	data := dockerfileData{
		BaseImage:      d.BaseImage,
		Labels:         assignments(d.Labels),
		WorkDir:        d.WorkDir,
		ContextScript:  ContextScriptName,
		ScriptTarget:   d.ScriptTarget,
		ContextCatalog: ContextCatalogName,
		CatalogTarget:  d.CatalogTarget(),
		Env:            assignments(env),
		Entrypoint:     string(entrypoint),
	}

	var buf bytes.Buffer
	if err := dockerfileTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// assignments renders m as sorted key="value" pairs
func assignments(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+strconv.Quote(m[k]))
	}
	return out
}
