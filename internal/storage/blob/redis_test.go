package blob

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
)

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, "http://localhost:8080/")
}

func TestRedisStore_PutGet(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "audio/u1/1.wav", []byte{0x00, 0x01, 0xff}, "audio/wav"))

	obj, err := store.Get(ctx, "audio/u1/1.wav")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, obj.Data)
	assert.Equal(t, "audio/wav", obj.ContentType)
	assert.Equal(t, int64(1), obj.Version)

	require.NoError(t, store.Put(ctx, "audio/u1/1.wav", []byte("second"), "audio/wav"))
	obj, err = store.Get(ctx, "audio/u1/1.wav")
	require.NoError(t, err)
	assert.Equal(t, "second", string(obj.Data))
	assert.Equal(t, int64(2), obj.Version)
}

func TestRedisStore_GetMissing(t *testing.T) {
	_, store := setupRedisStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := store.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStore_PutIfVersion(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()

	v1, err := store.PutIfVersion(ctx, "conversations/p1/d1.json", []byte("a"), "application/json", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	_, err = store.PutIfVersion(ctx, "conversations/p1/d1.json", []byte("b"), "application/json", 0)
	assert.ErrorIs(t, err, ErrVersionConflict)

	v2, err := store.PutIfVersion(ctx, "conversations/p1/d1.json", []byte("b"), "application/json", v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	_, err = store.PutIfVersion(ctx, "conversations/p1/d1.json", []byte("stale"), "application/json", v1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	obj, err := store.Get(ctx, "conversations/p1/d1.json")
	require.NoError(t, err)
	assert.Equal(t, "b", string(obj.Data))
}

func TestRedisStore_ListAndDelete(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()

	for _, path := range []string{"conversations/p1/d1.json", "conversations/p1/d2.json", "conversations/p2/d1.json"} {
		require.NoError(t, store.Put(ctx, path, []byte("{}"), "application/json"))
	}

	paths, err := store.List(ctx, "conversations/p1/")
	require.NoError(t, err)
	sort.Strings(paths)
	assert.Equal(t, []string{"conversations/p1/d1.json", "conversations/p1/d2.json"}, paths)

	require.NoError(t, store.Delete(ctx, "conversations/p1/d1.json"))
	require.NoError(t, store.Delete(ctx, "conversations/p1/d1.json"))

	exists, err := store.Exists(ctx, "conversations/p1/d1.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStore_UnavailableIsClassified(t *testing.T) {
	mr, store := setupRedisStore(t)
	mr.Close()

	err := store.Put(context.Background(), "x", []byte("y"), "text/plain")
	require.Error(t, err)
	assert.Equal(t, apperr.KindStorageUnavailable, apperr.KindOf(err))
}

func TestRedisStore_URL(t *testing.T) {
	_, store := setupRedisStore(t)
	assert.Equal(t, "http://localhost:8080/api/blobs/audio/u1/1.wav", store.URL("audio/u1/1.wav"))
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusServiceUnavailable}))
	assert.False(t, isPreconditionFailed(errors.New("boom")))
}
