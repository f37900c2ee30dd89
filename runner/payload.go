package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
)

// Layout of the payload inside the image working directory
const (
	SubmissionDir = "submission"
	ManifestFile  = "manifest.json"
	StdinFile     = "stdin"
)

// Manifest describes a submission placed in the working directory
type Manifest struct {
	SubmissionID string   `json:"submission_id,omitempty"`
	Language     string   `json:"language,omitempty"`
	SourceFile   string   `json:"source_file,omitempty"`
	StdinFile    string   `json:"stdin_file,omitempty"`
	Args         []string `json:"args,omitempty"`
}

// Payload is the submission material handed to Run
type Payload struct {
	SubmissionID string
	Language     string
	// Dir holds the source file and, optionally, the stdin file
	Dir        string
	SourceFile string
	StdinFile  string
	// Stdin overrides StdinFile when set
	Stdin io.Reader
	Args  []string
}

// ReadManifest loads dir/manifest.json. A missing manifest yields a zero
// Manifest so that a bare source file is enough to run.
func ReadManifest(fs FileSystem, dir string) (Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	exists, err := fs.FileExists(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to stat manifest: %w", err)
	}
	if !exists {
		return Manifest{}, nil
	}

	data, err := fs.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) validate() error {
	for _, name := range []string{m.SourceFile, m.StdinFile} {
		if name != "" && name != filepath.Base(name) {
			return fmt.Errorf("manifest file names must not contain directories: %q", name)
		}
	}
	return nil
}

// Payload converts the manifest into a Payload rooted at dir. An image is
// bound to one language, so a manifest naming another one is rejected.
func (m Manifest) Payload(dir, imageLanguage string) (Payload, error) {
	if imageLanguage != "" && m.Language != "" && m.Language != imageLanguage {
		return Payload{}, fmt.Errorf("submission language %q does not match image language %q", m.Language, imageLanguage)
	}

	p := Payload{
		SubmissionID: m.SubmissionID,
		Language:     imageLanguage,
		Dir:          dir,
		SourceFile:   m.SourceFile,
		StdinFile:    m.StdinFile,
		Args:         m.Args,
	}
	if p.Language == "" {
		p.Language = m.Language
	}
	if p.StdinFile == "" {
		p.StdinFile = StdinFile
	}
	return p, nil
}
