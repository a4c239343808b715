package receipt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage keeps uploaded files, grouped per submission
type Storage interface {
	// Save writes data under the submission and returns its relative path
	Save(submissionID, filename string, data []byte) (string, error)

	// Get reads a file by the path Save returned
	Get(path string) ([]byte, error)

	// Delete removes a single file
	Delete(path string) error

	// DeleteAll removes every file of a submission
	DeleteAll(submissionID string) error
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// resolve joins rel onto the base path, refusing anything that escapes it
func (l *LocalStorage) resolve(rel string) (string, error) {
	full := filepath.Join(l.basePath, filepath.Clean("/"+rel))
	base := filepath.Clean(l.basePath)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage directory", rel)
	}
	return full, nil
}

// Save writes the file to <base>/<submissionID>/<filename>
func (l *LocalStorage) Save(submissionID, filename string, data []byte) (string, error) {
	rel := filepath.Join(filepath.Base(submissionID), filepath.Base(filename))
	full, err := l.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("creating submission directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return rel, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// DeleteAll removes the submission's directory
func (l *LocalStorage) DeleteAll(submissionID string) error {
	full, err := l.resolve(filepath.Base(submissionID))
	if err != nil {
		return err
	}
	if full == filepath.Clean(l.basePath) {
		return fmt.Errorf("invalid submission id %q", submissionID)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("deleting submission files: %w", err)
	}
	return nil
}
