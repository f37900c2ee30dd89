package toolchain

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Language names of the built-in image family
const (
	LanguageC      = "c"
	LanguageCPP    = "cpp"
	LanguageJava   = "java"
	LanguagePython = "py"
	LanguageJS     = "js"
)

// JavaClassName is the public class a Java submission must declare
const JavaClassName = "TempJavaClass"

// Catalog maps language names to toolchains
type Catalog map[string]Toolchain

// Builtin returns the default catalog for the image family
func Builtin() Catalog {
	return Catalog{
		LanguageC: {
			Name:       LanguageC,
			BaseImage:  "gcc:latest",
			SourceFile: "main.c",
			Artifact:   "main",
			Compile:    []string{"gcc", "-O2", "-o", PlaceholderArtifact, PlaceholderSource, "-lm"},
			Run:        []string{PlaceholderArtifact},
		},
		LanguageCPP: {
			Name:       LanguageCPP,
			BaseImage:  "gcc:latest",
			SourceFile: "main.cpp",
			Artifact:   "main",
			Compile:    []string{"g++", "-std=c++17", "-O2", "-o", PlaceholderArtifact, PlaceholderSource},
			Run:        []string{PlaceholderArtifact},
		},
		LanguageJava: {
			Name:                LanguageJava,
			BaseImage:           "openjdk:17-slim",
			SourceFile:          JavaClassName + ".java",
			Compile:             []string{"javac", "-d", PlaceholderDir, PlaceholderSource},
			Run:                 []string{"java", "-Xmx" + PlaceholderMemoryMB + "m", "-cp", PlaceholderDir, JavaClassName},
			NoAddressSpaceLimit: true,
		},
		LanguagePython: {
			Name:       LanguagePython,
			BaseImage:  "python:3.12-slim",
			SourceFile: "main.py",
			Compile:    []string{"python3", "-m", "py_compile", PlaceholderSource},
			Run:        []string{"python3", PlaceholderSource},
			Env:        map[string]string{"PYTHONUNBUFFERED": "1", "PYTHONDONTWRITEBYTECODE": "1"},
		},
		LanguageJS: {
			Name:                LanguageJS,
			BaseImage:           "node:20-slim",
			SourceFile:          "main.js",
			Compile:             []string{"node", "--check", PlaceholderSource},
			Run:                 []string{"node", "--max-old-space-size=" + PlaceholderMemoryMB, PlaceholderSource},
			NoAddressSpaceLimit: true,
		},
	}
}

// Get returns the toolchain for language
func (c Catalog) Get(language string) (Toolchain, error) {
	tc, ok := c[language]
	if !ok {
		return Toolchain{}, fmt.Errorf("%w: %s", ErrUnknownLanguage, language)
	}
	return tc, nil
}

// Names returns the sorted language names
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With returns a copy of c with overrides merged in and validated
func (c Catalog) With(overrides map[string]Toolchain) (Catalog, error) {
	merged := make(Catalog, len(c)+len(overrides))
	for name, tc := range c {
		merged[name] = tc
	}
	for name, override := range overrides {
		base := merged[name]
		base.Name = name
		tc := base.Merge(override)
		tc.Name = name
		if err := tc.Validate(); err != nil {
			return nil, err
		}
		merged[name] = tc
	}
	return merged, nil
}

type catalogFile struct {
	Languages map[string]Toolchain `yaml:"languages"`
}

// LoadCatalog reads a YAML catalog file and merges it over the built-ins.
// A missing file yields the built-in catalog.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Builtin(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read toolchain catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog merges YAML catalog data over the built-ins
func ParseCatalog(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse toolchain catalog: %w", err)
	}
	return Builtin().With(file.Languages)
}
