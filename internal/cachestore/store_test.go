package cachestore_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellcache/internal/cachestore"
)

func entry(status int, body string) cachestore.Entry {
	return cachestore.Entry{
		Status:   status,
		Header:   http.Header{"Content-Type": {"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

// runStorageSuite exercises the behaviour every backend must share.
func runStorageSuite(t *testing.T, open func(t *testing.T) cachestore.Storage) {
	t.Run("OpenCreatesAndNamesAreSorted", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		_, err := s.Open(ctx, "shell-v2")
		require.NoError(t, err)
		_, err = s.Open(ctx, "shell-v1")
		require.NoError(t, err)
		_, err = s.Open(ctx, "shell-v2")
		require.NoError(t, err)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"shell-v1", "shell-v2"}, names)
	})

	t.Run("InvalidName", func(t *testing.T) {
		_, err := open(t).Open(context.Background(), "")
		assert.ErrorIs(t, err, cachestore.ErrInvalidName)
	})

	t.Run("PutMatchOverwrite", func(t *testing.T) {
		ctx := context.Background()
		c, err := open(t).Open(ctx, "shell-v1")
		require.NoError(t, err)

		_, ok, err := c.Match(ctx, "GET http://app.test/")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.Put(ctx, "GET http://app.test/", entry(200, "one")))
		require.NoError(t, c.Put(ctx, "GET http://app.test/", entry(200, "two")))

		got, ok, err := c.Match(ctx, "GET http://app.test/")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 200, got.Status)
		assert.Equal(t, "two", string(got.Body))
		assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	})

	t.Run("PutAllAndKeys", func(t *testing.T) {
		ctx := context.Background()
		c, err := open(t).Open(ctx, "shell-v1")
		require.NoError(t, err)

		require.NoError(t, c.PutAll(ctx, []cachestore.Item{
			{Key: "GET http://app.test/b", Entry: entry(200, "b")},
			{Key: "GET http://app.test/a", Entry: entry(200, "a")},
		}))
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"GET http://app.test/a", "GET http://app.test/b"}, keys)
	})

	t.Run("GenerationsAreIsolated", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		v1, err := s.Open(ctx, "shell-v1")
		require.NoError(t, err)
		v2, err := s.Open(ctx, "shell-v2")
		require.NoError(t, err)

		require.NoError(t, v1.Put(ctx, "k", entry(200, "old")))
		_, ok, err := v2.Match(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteRemovesEntries", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		c, err := s.Open(ctx, "shell-v1")
		require.NoError(t, err)
		require.NoError(t, c.Put(ctx, "k", entry(200, "x")))

		existed, err := s.Delete(ctx, "shell-v1")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = s.Delete(ctx, "shell-v1")
		require.NoError(t, err)
		assert.False(t, existed)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "shell-v1")

		// Re-creating starts empty.
		c, err = s.Open(ctx, "shell-v1")
		require.NoError(t, err)
		_, ok, err := c.Match(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutAfterDeleteFails", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		c, err := s.Open(ctx, "shell-v1")
		require.NoError(t, err)
		_, err = s.Delete(ctx, "shell-v1")
		require.NoError(t, err)

		err = c.Put(ctx, "k", entry(200, "late"))
		assert.ErrorIs(t, err, cachestore.ErrNoGeneration)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.NotContains(t, names, "shell-v1")
	})

	t.Run("ServingMarker", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		name, err := s.Serving(ctx)
		require.NoError(t, err)
		assert.Empty(t, name)

		require.NoError(t, s.SetServing(ctx, "shell-v1"))
		require.NoError(t, s.SetServing(ctx, "shell-v2"))
		name, err = s.Serving(ctx)
		require.NoError(t, err)
		assert.Equal(t, "shell-v2", name)

		assert.ErrorIs(t, s.SetServing(ctx, ""), cachestore.ErrInvalidName)
	})

	t.Run("ConcurrentPutsSameKey", func(t *testing.T) {
		ctx := context.Background()
		c, err := open(t).Open(ctx, "shell-v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Put(ctx, "k", entry(200, "same")))
			}()
		}
		wg.Wait()

		got, ok, err := c.Match(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "same", string(got.Body))
	})
}

func TestMemory(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) cachestore.Storage {
		s := cachestore.NewMemory()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemory_ClosedRejectsOperations(t *testing.T) {
	s := cachestore.NewMemory()
	require.NoError(t, s.Close())
	_, err := s.Open(context.Background(), "shell-v1")
	assert.ErrorIs(t, err, cachestore.ErrClosed)
}

func TestHotTierOverLevelDB(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) cachestore.Storage {
		s, err := cachestore.OpenLevelDB(t.TempDir())
		require.NoError(t, err)
		hot := cachestore.WithHotTier(s, 1<<20)
		t.Cleanup(func() { _ = hot.Close() })
		return hot
	})
}

func TestLevelDB(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) cachestore.Storage {
		s, err := cachestore.OpenLevelDB(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestLevelDB_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := cachestore.OpenLevelDB(dir)
	require.NoError(t, err)
	c, err := s.Open(ctx, "shell-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "GET http://app.test/", entry(200, "shell")))
	require.NoError(t, s.SetServing(ctx, "shell-v1"))
	require.NoError(t, s.Close())

	s, err = cachestore.OpenLevelDB(dir)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shell-v1"}, names)

	serving, err := s.Serving(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shell-v1", serving)

	c, err = s.Open(ctx, "shell-v1")
	require.NoError(t, err)
	got, ok, err := c.Match(ctx, "GET http://app.test/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shell", string(got.Body))
}

func TestLevelDB_ClosedMapsError(t *testing.T) {
	s, err := cachestore.OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	c, err := s.Open(context.Background(), "shell-v1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = c.Put(context.Background(), "k", entry(200, "x"))
	assert.ErrorIs(t, err, cachestore.ErrClosed)
}

func TestRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skip("Redis not available")
	}
	_ = client.Close()

	runStorageSuite(t, func(t *testing.T) cachestore.Storage {
		c, err := cachestore.DialRedis(cachestore.RedisConfig{Address: "localhost:6379"})
		require.NoError(t, err)
		prefix := "shellcache-test-" + t.Name() + "-" + time.Now().Format("150405.000000000")
		s := cachestore.NewRedis(c, prefix)
		t.Cleanup(func() {
			ctx := context.Background()
			names, _ := s.Names(ctx)
			for _, n := range names {
				_, _ = s.Delete(ctx, n)
			}
			_ = c.Del(ctx, prefix+":serving").Err()
			_ = s.Close()
		})
		return s
	})
}

func TestDialRedis_EmptyAddress(t *testing.T) {
	client, err := cachestore.DialRedis(cachestore.RedisConfig{})
	assert.ErrorIs(t, err, cachestore.ErrEmptyAddress)
	assert.Nil(t, client)
}

func TestRequestKey_DropsFragment(t *testing.T) {
	u, err := url.Parse("https://app.test/index.html?x=1#top")
	require.NoError(t, err)
	assert.Equal(t, "GET https://app.test/index.html?x=1", cachestore.RequestKey(http.MethodGet, u))
	assert.Equal(t, "#top", "#"+u.Fragment, "input URL must not be modified")
}

func TestEntry_CloneIsDeep(t *testing.T) {
	orig := entry(200, "abc")
	cp := orig.Clone()
	cp.Header.Set("Content-Type", "text/html")
	cp.Body[0] = 'z'

	assert.Equal(t, "text/plain", orig.Header.Get("Content-Type"))
	assert.Equal(t, "abc", string(orig.Body))
	assert.True(t, orig.OK())
	assert.False(t, entry(404, "").OK())
}
