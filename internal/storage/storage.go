// Package storage is a small JSON document store on the local filesystem.
// Documents are addressed by key paths such as ["session", "<project>"].
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNotFound = errors.New("not found")
	ErrLocked   = errors.New("locked by another process")
)

// Storage stores JSON documents below a base directory.
type Storage struct {
	basePath string
	// LockTimeout bounds how long Put, Delete and Acquire wait for a lock.
	LockTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*FileLock
}

// New creates a Storage rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath:    basePath,
		LockTimeout: 5 * time.Second,
		locks:       make(map[string]*FileLock),
	}
}

// Base returns the storage root directory.
func (s *Storage) Base() string { return s.basePath }

func (s *Storage) file(key []string) string {
	return filepath.Join(append([]string{s.basePath}, key...)...) + ".json"
}

func (s *Storage) dir(key []string) string {
	return filepath.Join(append([]string{s.basePath}, key...)...)
}

// Get decodes the document at key into v.
func (s *Storage) Get(ctx context.Context, key []string, v any) error {
	data, err := os.ReadFile(s.file(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", strings.Join(key, "/"), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// Put atomically replaces the document at key.
func (s *Storage) Put(ctx context.Context, key []string, v any) error {
	path := s.file(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", strings.Join(key, "/"), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Delete removes the document at key. Missing documents are not an error.
func (s *Storage) Delete(ctx context.Context, key []string) error {
	path := s.file(key)
	unlock, err := s.lock(ctx, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", strings.Join(key, "/"), err)
	}
	return nil
}

// List returns the document and sub-collection names under key, sorted.
func (s *Storage) List(ctx context.Context, key []string) ([]string, error) {
	entries, err := os.ReadDir(s.dir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", strings.Join(key, "/"), err)
	}
	items := []string{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir():
			items = append(items, name)
		case strings.HasSuffix(name, ".json"):
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(items)
	return items, nil
}

// Exists reports whether a document is stored at key.
func (s *Storage) Exists(ctx context.Context, key []string) bool {
	_, err := os.Stat(s.file(key))
	return err == nil
}

// Acquire takes an exclusive, cross-process lock named by key and returns
// its release function. It is independent of the locks Put and Delete use.
func (s *Storage) Acquire(ctx context.Context, key []string) (func(), error) {
	path := s.dir(key) + ".busy"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return s.lock(ctx, path)
}

// lock acquires the lock for path, retrying with exponential backoff until
// LockTimeout elapses or ctx is done.
func (s *Storage) lock(ctx context.Context, path string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[path]
	if !ok {
		l = NewFileLock(path)
		s.locks[path] = l
	}
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = s.LockTimeout

	err := backoff.Retry(func() error {
		ok, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLocked
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, err
	}
	return func() { l.Unlock() }, nil
}
