package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	data := []byte("hello content store")
	digest, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "sha256:"))
	assert.True(t, s.Has(ctx, digest))

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	t.Run("get survives the memory cache", func(t *testing.T) {
		s.cache.Purge()
		got, err := s.Get(ctx, digest)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("missing object is ErrNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, computeDigest([]byte("never stored")))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	data := bytes.Repeat([]byte("same bytes over and over. "), 100)
	first, err := s.Put(ctx, data)
	require.NoError(t, err)
	sizeAfterFirst, err := s.Size()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		digest, err := s.Put(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, first, digest)
	}

	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, sizeAfterFirst, size, "storing identical content must not grow the store")
}

func TestGetDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	digest, err := s.Put(ctx, bytes.Repeat([]byte("important data "), 50))
	require.NoError(t, err)
	s.cache.Purge()

	require.NoError(t, os.WriteFile(s.objectPath(digest), []byte("flipped bits"), 0644))

	_, err = s.Get(ctx, digest)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCompressRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	cases := map[string][]byte{
		"empty":              {},
		"tiny":               []byte("x"),
		"compressible":       bytes.Repeat([]byte("abcdef"), 10000),
		"starts with magic":  append([]byte{0x28, 0xb5, 0x2f, 0xfd}, []byte("not actually a frame")...),
		"short with magic":   {0x28, 0xb5, 0x2f, 0xfd},
		"high entropy short": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			digest, err := s.Put(ctx, data)
			require.NoError(t, err)
			s.cache.Purge()

			got, err := s.Get(ctx, digest)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}

	t.Run("large compressible content shrinks on disk", func(t *testing.T) {
		data := bytes.Repeat([]byte("zzzzzzzz"), 100000)
		digest, err := s.Put(ctx, data)
		require.NoError(t, err)

		info, err := os.Stat(s.objectPath(digest))
		require.NoError(t, err)
		assert.Less(t, info.Size(), int64(len(data)))
	})
}

func TestRefs(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.PutRef("local-path|/tmp/upstream|", "sha256:abc123"))
	got, err := s.GetRef("local-path|/tmp/upstream|")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", got)

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.PutRef("local-path|/tmp/upstream|", "sha256:def456"))
		got, err := s.GetRef("local-path|/tmp/upstream|")
		require.NoError(t, err)
		assert.Equal(t, "sha256:def456", got)
	})

	t.Run("missing ref is ErrNotFound", func(t *testing.T) {
		_, err := s.GetRef("never-recorded")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("slashes and colons are safe in names", func(t *testing.T) {
		name := "vcs-ref|https://example.com/a/b.git|v1.0"
		require.NoError(t, s.PutRef(name, "sha256:aaa"))
		got, err := s.GetRef(name)
		require.NoError(t, err)
		assert.Equal(t, "sha256:aaa", got)
	})
}

func TestEvict(t *testing.T) {
	ctx := context.Background()

	fill := func(t *testing.T, s *LocalStore, n int) []string {
		t.Helper()
		digests := make([]string, n)
		for i := 0; i < n; i++ {
			// Incompressible-ish unique payloads so sizes are predictable.
			data := bytes.Repeat([]byte{byte(i), byte(i + 1), byte(i * 7)}, 200)
			digest, err := s.Put(ctx, data)
			require.NoError(t, err)
			digests[i] = digest

			// Spread mtimes so LRU order is well defined.
			old := time.Now().Add(time.Duration(i-n) * time.Hour)
			require.NoError(t, os.Chtimes(s.objectPath(digest), old, old))
		}
		s.cache.Purge()
		return digests
	}

	t.Run("evicts oldest first down to the limit", func(t *testing.T) {
		s := newStore(t)
		digests := fill(t, s, 8)

		size, err := s.Size()
		require.NoError(t, err)
		limit := size / 2

		freed, err := s.Evict(ctx, limit)
		require.NoError(t, err)
		assert.Positive(t, freed)

		after, err := s.Size()
		require.NoError(t, err)
		assert.LessOrEqual(t, after, limit)

		// The newest object survives, the oldest goes.
		assert.True(t, s.Has(ctx, digests[len(digests)-1]))
		assert.False(t, s.Has(ctx, digests[0]))
	})

	t.Run("under the limit nothing is evicted", func(t *testing.T) {
		s := newStore(t)
		fill(t, s, 4)

		size, err := s.Size()
		require.NoError(t, err)
		freed, err := s.Evict(ctx, size+1)
		require.NoError(t, err)
		assert.Zero(t, freed)
	})

	t.Run("objects with active readers are skipped", func(t *testing.T) {
		s := newStore(t)
		digests := fill(t, s, 4)

		s.acquireReader(digests[0])
		defer s.releaseReader(digests[0])

		_, err := s.Evict(ctx, 0)
		require.NoError(t, err)
		assert.True(t, s.Has(ctx, digests[0]))
		assert.False(t, s.Has(ctx, digests[1]))
	})
}

func TestObjectPathSharding(t *testing.T) {
	s := newStore(t)
	digest := computeDigest([]byte("shard me"))
	hash := strings.TrimPrefix(digest, "sha256:")

	path := s.objectPath(digest)
	assert.Equal(t, filepath.Join(s.basePath, "objects", hash[:2], hash[2:]), path)
}
