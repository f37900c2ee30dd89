package runner

import (
	"os"
)

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600

	// Shared permissions apply when programs run as a different user
	SharedDirPermission  = 0777
	SharedFilePermission = 0644
)

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	Chmod(name string, mode os.FileMode) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
