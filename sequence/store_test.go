package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestStores(t *testing.T) {
	_, client := setupTestRedis(t)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "test:seq"),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for want := uint64(0); want < 5; want++ {
				got, err := store.Next(ctx, 0)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			// Keys are independent
			got, err := store.Next(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), got)

			got, err = store.Next(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(5), got)
		})
	}
}

func TestRedisStorePersistsAcrossInstances(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	first := NewRedisStore(client, "persist")
	for i := 0; i < 3; i++ {
		_, err := first.Next(ctx, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, "3", mustGet(t, mr, "persist:1"))

	// A restarted sequencer continues where the previous one stopped
	second := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "persist")
	defer second.Close()

	got, err := second.Next(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got)
}

func TestRedisStoreError(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, "")

	mr.SetError("READONLY")
	_, err := store.Next(context.Background(), 0)
	assert.Error(t, err)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := DialRedis(context.Background(), "redis://"+mr.Addr()+"/0", "dial")
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Next(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)

	_, err = DialRedis(context.Background(), "not-a-url", "dial")
	assert.Error(t, err)
}

func TestMemoryStoreConcurrentKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const keys, perKey = 8, 100
	seen := make([][]uint64, keys)

	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				n, _ := store.Next(ctx, k)
				seen[k] = append(seen[k], n)
			}
		}(k)
	}
	wg.Wait()

	for k := 0; k < keys; k++ {
		require.Len(t, seen[k], perKey)
		for i, n := range seen[k] {
			assert.Equal(t, uint64(i), n, "key %d", k)
		}
	}
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
