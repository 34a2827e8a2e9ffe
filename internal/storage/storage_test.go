package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestPutGet(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"session", "abc"}, doc{ID: "abc", Value: 1}))
	assert.FileExists(t, filepath.Join(dir, "session", "abc.json"))
	assert.True(t, s.Exists(ctx, []string{"session", "abc"}))

	var got doc
	require.NoError(t, s.Get(ctx, []string{"session", "abc"}, &got))
	assert.Equal(t, doc{ID: "abc", Value: 1}, got)

	require.NoError(t, s.Put(ctx, []string{"session", "abc"}, doc{ID: "abc", Value: 2}))
	require.NoError(t, s.Get(ctx, []string{"session", "abc"}, &got))
	assert.Equal(t, 2, got.Value)

	matches, _ := filepath.Glob(filepath.Join(dir, "session", "*.tmp"))
	assert.Empty(t, matches)
}

func TestGetNotFound(t *testing.T) {
	s := New(t.TempDir())
	var got doc
	assert.ErrorIs(t, s.Get(context.Background(), []string{"nope"}, &got), ErrNotFound)
}

func TestGetCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))
	var got doc
	err := New(dir).Get(context.Background(), []string{"bad"}, &got)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestDeleteAndList(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"session", "b"}, doc{}))
	require.NoError(t, s.Put(ctx, []string{"session", "a"}, doc{}))

	items, err := s.List(ctx, []string{"session"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, items)

	require.NoError(t, s.Delete(ctx, []string{"session", "a"}))
	require.NoError(t, s.Delete(ctx, []string{"session", "a"}))
	require.NoError(t, s.Delete(ctx, []string{"missing", "x"}))

	items, err = s.List(ctx, []string{"session"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, items)

	empty, err := s.List(ctx, []string{"none"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConcurrentPut(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, []string{"k"}, doc{Value: i}))
		}(i)
	}
	wg.Wait()

	var got doc
	require.NoError(t, s.Get(ctx, []string{"k"}, &got))
	assert.GreaterOrEqual(t, got.Value, 0)
}

func TestAcquireExcludes(t *testing.T) {
	s := New(t.TempDir())
	s.LockTimeout = 50 * time.Millisecond
	ctx := context.Background()

	release, err := s.Acquire(ctx, []string{"session", "p"})
	require.NoError(t, err)

	_, err = s.Acquire(ctx, []string{"session", "p"})
	assert.ErrorIs(t, err, ErrLocked)

	release()
	release2, err := s.Acquire(ctx, []string{"session", "p"})
	require.NoError(t, err)
	release2()
}

func TestFileLockTryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	a := NewFileLock(path)
	b := NewFileLock(path)

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	a.Unlock()
	ok, err = b.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	b.Unlock()
}
