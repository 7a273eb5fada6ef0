package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Backend persists session values by key.
type Backend interface {
	LoadSessionData(ctx context.Context, key string) (map[string]string, bool, error)
	SaveSessionData(ctx context.Context, key string, data map[string]string, now time.Time) error
}

// Stored is a [Session] loaded from and committed to a [Backend].
type Stored struct {
	backend Backend
	key     string
	now     func() time.Time

	mu     sync.Mutex
	values map[string]string
	dirty  bool
}

// Load reads the session for key from backend. A missing session starts
// empty and is created on the first Commit that has changes.
func Load(ctx context.Context, backend Backend, key string) (*Stored, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("session key is required")
	}
	values, _, err := backend.LoadSessionData(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if values == nil {
		values = map[string]string{}
	}
	return &Stored{backend: backend, key: key, now: time.Now, values: values}, nil
}

func (s *Stored) Key() string { return s.key }

func (s *Stored) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Stored) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[key]; ok && cur == value {
		return
	}
	s.values[key] = value
	s.dirty = true
}

func (s *Stored) Pop(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if ok {
		delete(s.values, key)
		s.dirty = true
	}
	return v, ok
}

// Commit writes the session when it has unsaved changes.
func (s *Stored) Commit(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := s.backend.SaveSessionData(ctx, s.key, snapshot, s.now()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}
