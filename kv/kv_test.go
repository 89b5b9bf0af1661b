package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, v)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "graphs/g1", []byte("one")))
		v, ok, err := s.Get(ctx, "graphs/g1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "one", string(v))

		require.NoError(t, s.Set(ctx, "graphs/g1", []byte("two")))
		v, _, err = s.Get(ctx, "graphs/g1")
		require.NoError(t, err)
		require.Equal(t, "two", string(v))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "tmp", []byte("x")))
		require.NoError(t, s.Delete(ctx, "tmp"))
		_, ok, err := s.Get(ctx, "tmp")
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, s.Delete(ctx, "tmp"))
	})

	t.Run("json helpers", func(t *testing.T) {
		type record struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		require.NoError(t, SetJSON(ctx, s, "rec", record{Name: "a", Count: 3}))
		var got record
		ok, err := GetJSON(ctx, s, "rec", &got)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, record{Name: "a", Count: 3}, got)

		ok, err = GetJSON(ctx, s, "nope", &got)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("prefix", func(t *testing.T) {
		p := WithPrefix(s, "ns/")
		require.NoError(t, p.Set(ctx, "k", []byte("scoped")))
		v, ok, err := s.Get(ctx, "ns/k")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "scoped", string(v))
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
	require.NoError(t, s.RunGC(0.5))
}

func TestBadgerStorePersistent(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	v, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)

	t.Run("awkward keys stay inside the directory", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "../escape", []byte("x")))
		require.NoError(t, s.Set(ctx, "a b/c?d", []byte("y")))
		v, ok, err := s.Get(ctx, "../escape")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "x", string(v))
		require.Contains(t, s.path("../escape"), s.dir)
	})
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}
