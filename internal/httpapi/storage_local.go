package httpapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// localObjectStore keeps attachments on the local filesystem. It is the
// fallback when no GCS bucket is configured, which covers development and
// tests.
type localObjectStore struct {
	rootDir string
}

func newLocalObjectStore(rootDir string) (*localObjectStore, error) {
	trimmed := strings.TrimSpace(rootDir)
	if trimmed == "" {
		return nil, errors.New("local upload dir is required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &localObjectStore{rootDir: trimmed}, nil
}

func (s *localObjectStore) Backend() string {
	return "local"
}

func (s *localObjectStore) resolve(objectPath string) (string, error) {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return "", errors.New("object path is required")
	}
	full := filepath.Join(s.rootDir, filepath.FromSlash(cleanPath))
	if !strings.HasPrefix(full, filepath.Clean(s.rootDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes the upload dir", objectPath)
	}
	return full, nil
}

func (s *localObjectStore) PutObject(_ context.Context, objectPath, _ string, data []byte) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write object %q: %w", objectPath, err)
	}
	return nil
}

func (s *localObjectStore) GetObject(_ context.Context, objectPath string) ([]byte, error) {
	full, err := s.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", objectPath, err)
	}
	return data, nil
}

func (s *localObjectStore) DeleteObject(_ context.Context, objectPath string) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object %q: %w", objectPath, err)
	}
	return nil
}
