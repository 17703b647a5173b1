package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

const ext = ".json"

// Store implements ports.ProcessStore using the local filesystem.
// Each process is one file at <BasePath>/<namespace>/<id>.json holding the
// serialized state verbatim.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".espalier/processes".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".espalier", "processes")
	}
	return &Store{BasePath: basePath}
}

// Put persists the state atomically.
// It writes to a temporary file first, syncs via fsync, and then renames it to the destination.
func (s *Store) Put(ctx context.Context, namespace, id, state string) error {
	dir, destPath, err := s.path(namespace, id)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to ensure process directory: %w", err)
	}

	// Same directory, so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(dir, "tmp-"+id+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.WriteString(state); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Windows cannot rename an open file.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// On Windows, os.Rename fails if dest exists.
	if _, err := os.Stat(destPath); err == nil {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove existing process file for overwrite: %w", err)
		}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Get retrieves the state from its file.
func (s *Store) Get(ctx context.Context, namespace, id string) (string, error) {
	_, filePath, err := s.path(namespace, id)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", domain.ErrProcessNotFound
		}
		return "", fmt.Errorf("failed to read process file: %w", err)
	}
	return string(data), nil
}

// Delete removes the process file.
func (s *Store) Delete(ctx context.Context, namespace, id string) error {
	_, filePath, err := s.path(namespace, id)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete process file: %w", err)
	}
	return nil
}

// List returns the process ids stored for a namespace.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	if err := checkName("namespace", namespace); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.BasePath, namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ext || strings.HasPrefix(name, "tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	return ids, nil
}

func (s *Store) path(namespace, id string) (string, string, error) {
	if err := checkName("namespace", namespace); err != nil {
		return "", "", err
	}
	if err := checkName("process id", id); err != nil {
		return "", "", err
	}
	dir := filepath.Join(s.BasePath, namespace)
	return dir, filepath.Join(dir, id+ext), nil
}

// checkName keeps keys inside BasePath.
func checkName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid %s %q", kind, name)
	}
	return nil
}
