// Package photo stores evaluation photos and hands back opaque references.
package photo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/xid"
)

// MaxSize bounds a single upload.
const MaxSize = 10 << 20

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".heic": true,
}

type Store interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// DiskStore keeps photos as files under a single directory. References are
// the generated file names.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("photo directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create photo directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return "", domain.NewValidationError("photo", "unsupported file type "+ext)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := xid.New("photo") + ext
	path := filepath.Join(s.dir, ref)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", &domain.PersistenceError{Op: "store photo", Err: err}
	}

	written, err := io.Copy(f, io.LimitReader(r, MaxSize+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		_ = os.Remove(path)
		return "", &domain.PersistenceError{Op: "store photo", Err: err}
	case closeErr != nil:
		_ = os.Remove(path)
		return "", &domain.PersistenceError{Op: "store photo", Err: closeErr}
	case written == 0:
		_ = os.Remove(path)
		return "", domain.NewValidationError("photo", "empty file")
	case written > MaxSize:
		_ = os.Remove(path)
		return "", domain.NewValidationError("photo", "file too large")
	}
	return ref, nil
}

// Open returns the stored photo for a reference produced by Save.
func (s *DiskStore) Open(ref string) (*os.File, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return nil, os.ErrNotExist
	}
	return os.Open(filepath.Join(s.dir, ref))
}
