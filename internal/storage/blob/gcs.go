package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSStore stores blobs in a Cloud Storage (Firebase Storage) bucket. The object
// generation is used as the version, so PutIfVersion maps onto generation preconditions.
type GCSStore struct {
	bucket     *storage.BucketHandle
	bucketName string
}

// NewGCSStore wraps a bucket handle, typically obtained from the Firebase storage client.
func NewGCSStore(bucket *storage.BucketHandle, bucketName string) *GCSStore {
	return &GCSStore{bucket: bucket, bucketName: bucketName}
}

func (s *GCSStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if _, err := s.write(ctx, s.bucket.Object(path), data, contentType); err != nil {
		return unavailable("blob.put", err)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, path string) (Object, error) {
	reader, err := s.bucket.Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, unavailable("blob.get", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Object{}, unavailable("blob.get", err)
	}

	return Object{
		Path:        path,
		ContentType: reader.Attrs.ContentType,
		Data:        data,
		Version:     reader.Attrs.Generation,
	}, nil
}

func (s *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.bucket.Object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("blob.exists", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, path string) error {
	err := s.bucket.Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return unavailable("blob.delete", err)
	}
	return nil
}

func (s *GCSStore) PutIfVersion(ctx context.Context, path string, data []byte, contentType string, expected int64) (int64, error) {
	cond := storage.Conditions{GenerationMatch: expected}
	if expected == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}

	generation, err := s.write(ctx, s.bucket.Object(path).If(cond), data, contentType)
	if err != nil {
		if isPreconditionFailed(err) {
			return 0, ErrVersionConflict
		}
		return 0, unavailable("blob.put_if_version", err)
	}
	return generation, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, unavailable("blob.list", err)
		}
		paths = append(paths, attrs.Name)
	}
	return paths, nil
}

func (s *GCSStore) URL(path string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucketName, path)
}

func (s *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, data []byte, contentType string) (int64, error) {
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	return writer.Attrs().Generation, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
