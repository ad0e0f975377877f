package blob

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "blob:"

// RedisStore keeps each blob in a hash {data, content_type, version}.
type RedisStore struct {
	client  *redis.Client
	baseURL string
}

// NewRedisStore creates a Redis backed store. baseURL is the public API origin used to
// build download URLs (served by the blob handler).
func NewRedisStore(client *redis.Client, baseURL string) *RedisStore {
	return &RedisStore{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *RedisStore) key(path string) string {
	return redisKeyPrefix + path
}

// Put overwrites the object and bumps its version.
func (s *RedisStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	key := s.key(path)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", data, "content_type", contentType)
		pipe.HIncrBy(ctx, key, "version", 1)
		return nil
	})
	if err != nil {
		return unavailable("blob.put", err)
	}
	return nil
}

// Get reads the object with its version.
func (s *RedisStore) Get(ctx context.Context, path string) (Object, error) {
	values, err := s.client.HGetAll(ctx, s.key(path)).Result()
	if err != nil {
		return Object{}, unavailable("blob.get", err)
	}
	if len(values) == 0 {
		return Object{}, ErrNotFound
	}

	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil {
		version = 0
	}

	return Object{
		Path:        path,
		ContentType: values["content_type"],
		Data:        []byte(values["data"]),
		Version:     version,
	}, nil
}

// Exists reports whether an object is stored at path.
func (s *RedisStore) Exists(ctx context.Context, path string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(path)).Result()
	if err != nil {
		return false, unavailable("blob.exists", err)
	}
	return n > 0, nil
}

// Delete removes the object; missing objects are not an error.
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.key(path)).Err(); err != nil {
		return unavailable("blob.delete", err)
	}
	return nil
}

// PutIfVersion performs the compare-and-swap with WATCH/MULTI.
func (s *RedisStore) PutIfVersion(ctx context.Context, path string, data []byte, contentType string, expected int64) (int64, error) {
	key := s.key(path)
	var next int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}

		if current != expected {
			return ErrVersionConflict
		}
		next = current + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data, "content_type", contentType, "version", next)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return 0, ErrVersionConflict
	default:
		return 0, unavailable("blob.put_if_version", err)
	}
}

// List returns every stored path starting with prefix.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		paths = append(paths, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("blob.list", err)
	}
	return paths, nil
}

// URL returns the API download URL of path.
func (s *RedisStore) URL(path string) string {
	return s.baseURL + "/api/blobs/" + path
}
