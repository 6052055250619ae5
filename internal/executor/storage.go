package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage persists artifacts and serves source media back to executors.
// Paths follow {userID}/{projectID}/{jobID}/{filename}.
type Storage interface {
	Store(userID, projectID, jobID, filename string, data []byte) (string, error)
	Retrieve(storagePath string) ([]byte, error)
}

type localStorage struct {
	root string
}

// NewLocalStorage stores artifacts under root on the local filesystem.
func NewLocalStorage(root string) Storage {
	return &localStorage{root: root}
}

func (s *localStorage) Store(userID, projectID, jobID, filename string, data []byte) (string, error) {
	rel := filepath.Join(userID, projectID, jobID, sanitizeFilename(filename))
	full := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func (s *localStorage) Retrieve(storagePath string) ([]byte, error) {
	full := filepath.Join(s.root, filepath.FromSlash(storagePath))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", storagePath, err)
	}
	return data, nil
}

// sanitizeFilename strips path traversal and characters that break common
// filesystems.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	for _, c := range []string{"<", ">", ":", "\"", "|", "?", "*"} {
		name = strings.ReplaceAll(name, c, "_")
	}
	return name
}
