package redisstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uriencedric/auth/pkg/storage"
	"github.com/uriencedric/auth/pkg/storage/storagetest"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		client, _ := setupTestRedis(t)
		return New(client, "")
	})
}

func TestStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)
	store := New(client, "test:")
	storagetest.Seed(t, store)
	alex := storagetest.Representation(t, store, storagetest.Instance, storagetest.Alex.ID)

	require.NoError(t, store.AddPackageToUser(ctx, storagetest.Instance, alex, storage.PackageName("editor")))
	_, err := store.OverridePermissionForUser(ctx, storagetest.Instance, alex, "edit", false)
	require.NoError(t, err)

	assert.Equal(t, "Alex", mr.HGet("test:default:user:1", "username"))
	id, err := mr.Get("test:default:username:Alex")
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	pkgs, err := mr.List("test:default:packages:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, pkgs)
	assert.Equal(t, "0", mr.HGet("test:default:overrides:1", "edit"))
}

func TestStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	client, _ := setupTestRedis(t)
	store := New(client, "")
	storagetest.Seed(t, store)
	alex := storagetest.Representation(t, store, storagetest.Instance, storagetest.Alex.ID)

	const writers = 32
	names := make([]string, writers)
	errs := make(chan error, 2*writers)
	var wg sync.WaitGroup
	for i := range names {
		names[i] = fmt.Sprintf("p%d", i)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			errs <- store.AddPackageToUser(ctx, storagetest.Instance, alex, storage.PackageName(name))
			_, err := store.OverridePermissionForUser(ctx, storagetest.Instance, alex, name, true)
			errs <- err
		}(names[i])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	pkgs, err := store.FetchPackagesForUser(ctx, storagetest.Instance, alex)
	require.NoError(t, err)
	assert.ElementsMatch(t, names, storage.PackageNames(pkgs))

	overrides, err := store.FetchOverridesForUser(ctx, storagetest.Instance, alex)
	require.NoError(t, err)
	assert.Len(t, overrides, writers)
}

func TestStore_RejectsColonInstance(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := New(client, "")

	_, err := store.FetchUserByUsername(context.Background(), "a:user", "Alex")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestStore_ConnectionFailure(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := New(client, "")
	mr.Close()

	_, err := store.FetchUserByUsername(context.Background(), "default", "Alex")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrUserNotFound)
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = NewClient(context.Background(), mr.Addr(), "", 0)
	assert.Error(t, err)
}
