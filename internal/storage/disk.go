package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskStorage writes avatars into a local directory served under /uploads.
type DiskStorage struct {
	dir string
}

func NewDiskStorage(dir string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &DiskStorage{dir: dir}, nil
}

// Dir returns the directory files are written to.
func (s *DiskStorage) Dir() string {
	return s.dir
}

func (s *DiskStorage) Save(ctx context.Context, originalName string, r io.Reader) (string, error) {
	name := objectName(originalName)
	path := filepath.Join(s.dir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file on server: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	return name, nil
}

// Delete removes a stored avatar. Only the base name of ref is used, so a
// reference can never point outside the upload directory.
func (s *DiskStorage) Delete(ctx context.Context, ref string) error {
	path := filepath.Join(s.dir, filepath.Base(ref))
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}
