package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/serp256/tenx/internal/storage"
)

// ErrNoSession is returned when a project has no stored session.
var ErrNoSession = errors.New("no session for this project")

// Store persists one session per project root.
type Store struct {
	storage *storage.Storage
}

// NewStore creates a store over st.
func NewStore(st *storage.Storage) *Store {
	return &Store{storage: st}
}

func key(root string) []string {
	return []string{"session", hashDirectory(root)}
}

// hashDirectory derives a stable storage name for a project root.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Load reads the session for root.
func (s *Store) Load(ctx context.Context, root string) (*Session, error) {
	var sess Session
	if err := s.storage.Get(ctx, key(root), &sess); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Steps == nil {
		sess.Steps = []*Step{}
	}
	return &sess, nil
}

// Save writes sess, replacing any stored session for its root.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if err := s.storage.Put(ctx, key(sess.Root), sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the stored session for root.
func (s *Store) Delete(ctx context.Context, root string) error {
	return s.storage.Delete(ctx, key(root))
}

// Lock takes the cross-process lock for root. Only one tenx process may run
// a step against a project at a time.
func (s *Store) Lock(ctx context.Context, root string) (func(), error) {
	return s.storage.Acquire(ctx, []string{"lock", hashDirectory(root)})
}
