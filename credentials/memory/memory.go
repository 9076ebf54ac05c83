// Package memory provides an in-memory credentials.Store. Credentials are
// lost on process exit, so it only restores sessions within one process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/authsync-go/credentials"
)

// Store implements credentials.Store with a map.
type Store struct {
	mu    sync.RWMutex
	slots map[string]credentials.Credential
	now   func() time.Time
}

func New() *Store {
	return &Store{
		slots: make(map[string]credentials.Credential),
		now:   time.Now,
	}
}

func (s *Store) Load(ctx context.Context, slot string) (*credentials.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	cred, ok := s.slots[slot]
	s.mu.RUnlock()
	if !ok {
		return nil, credentials.ErrNotFound
	}
	if cred.IsExpired(s.now()) {
		s.mu.Lock()
		delete(s.slots, slot)
		s.mu.Unlock()
		return nil, credentials.ErrNotFound
	}
	return &cred, nil
}

func (s *Store) Save(ctx context.Context, slot string, cred credentials.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.IsExpired(now) {
		delete(s.slots, slot)
		return nil
	}
	if cred.SavedAt.IsZero() {
		cred.SavedAt = now
	}
	if cred.ExpiresAt != nil {
		exp := *cred.ExpiresAt
		cred.ExpiresAt = &exp
	}
	s.slots[slot] = cred
	return nil
}

func (s *Store) Delete(ctx context.Context, slot string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.slots, slot)
	s.mu.Unlock()
	return nil
}

// Close drops every slot.
func (s *Store) Close() error {
	s.mu.Lock()
	clear(s.slots)
	s.mu.Unlock()
	return nil
}

var _ credentials.Store = (*Store)(nil)
