package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/isdmx/execbox/runner"
	"github.com/isdmx/execbox/toolchain"
)

// PayloadTar packs sub as a tar.gz rooted at the submission directory:
// the manifest, the source under the toolchain's file name and, when
// present, the stdin file
func PayloadTar(sub Submission, tc toolchain.Toolchain) ([]byte, error) {
	manifest, err := json.Marshal(runner.Manifest{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		SourceFile:   tc.SourceFile,
		StdinFile:    runner.StdinFile,
		Args:         sub.Args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)
	modTime := time.Now()

	if err := tarWriter.WriteHeader(&tar.Header{
		Name:     runner.SubmissionDir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  modTime,
	}); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{runner.ManifestFile, manifest},
		{tc.SourceFile, []byte(sub.Source)},
	}
	if sub.Stdin != "" {
		files = append(files, struct {
			name string
			data []byte
		}{runner.StdinFile, []byte(sub.Stdin)})
	}

	for _, f := range files {
		hdr := &tar.Header{
			Name:    runner.SubmissionDir + "/" + f.name,
			Mode:    0o644,
			Size:    int64(len(f.data)),
			ModTime: modTime,
		}
		if err := tarWriter.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tarWriter.Write(f.data); err != nil {
			return nil, fmt.Errorf("failed to write tar content: %w", err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ExtractTarToDir extracts tar.gz data to the destination directory safely
func ExtractTarToDir(fs runner.FileSystem, tarData []byte, destDir string) error {
	gzipReader, err := gzip.NewReader(bytes.NewReader(tarData))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		if filepath.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}
		cleanName := filepath.Clean(header.Name)
		if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}
		filePath := filepath.Join(destDir, cleanName)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(filePath, runner.DirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(filepath.Dir(filePath), runner.DirPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}

			fileContent := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, fileContent); err != nil {
				return fmt.Errorf("failed to read file content: %w", err)
			}

			perm := os.FileMode(header.Mode).Perm() | 0o400
			if err := fs.WriteFile(filePath, fileContent, perm); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}

	return nil
}
