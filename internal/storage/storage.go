package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Delete when the referenced object does not exist.
var ErrNotFound = errors.New("stored object not found")

// AvatarStorage persists uploaded avatar images and returns a reference
// that is recorded on the account.
type AvatarStorage interface {
	Save(ctx context.Context, originalName string, r io.Reader) (string, error)
	Delete(ctx context.Context, ref string) error
}

// objectName builds a collision-free name that keeps the upload's extension.
func objectName(originalName string) string {
	return uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
}
