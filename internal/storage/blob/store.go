// Package blob provides the object store the core keeps conversation logs, assignment
// mirrors and audio in. Every implementation supports overwrite and a conditional write
// keyed on the object version, which is what makes read-modify-write appends safe.
package blob

import (
	"context"
	"errors"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
)

var (
	// ErrNotFound is returned by Get when the path holds no object.
	ErrNotFound = errors.New("blob not found")
	// ErrVersionConflict is returned by PutIfVersion when the stored version moved.
	ErrVersionConflict = errors.New("blob version conflict")
)

// Object is a stored blob with the version its content was read at.
type Object struct {
	Path        string
	ContentType string
	Data        []byte
	Version     int64
}

// Store is the blob store contract consumed by the core.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) (Object, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	// PutIfVersion writes only if the current version equals expected (0 means the
	// object must not exist yet) and returns the new version.
	PutIfVersion(ctx context.Context, path string, data []byte, contentType string, expected int64) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	URL(path string) string
}

func unavailable(op string, err error) error {
	return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
}
