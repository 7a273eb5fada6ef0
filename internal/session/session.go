// Package session defines the narrow session contract the allocator needs
// from a host request layer, plus two implementations: an in-memory session
// and a session persisted through a [Backend].
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Session is a per-visitor key/value context supplied by the host. Key
// returns the opaque session identifier. Changes made with Set and Pop become
// durable on Commit.
type Session interface {
	Key() string
	Get(key string) (string, bool)
	Set(key, value string)
	Pop(key string) (string, bool)
	Commit(ctx context.Context) error
}

// Annotation keys written by the allocator.
const (
	KeySlotNumber     = "guestpool.slot_number"
	KeyIdentityID     = "guestpool.identity_id"
	KeyLeaseToken     = "guestpool.lease_token"
	KeySessionGuestID = "guestpool.session_guest_id"
)

// LeaseAnnotation is the lease reference stored on a session.
type LeaseAnnotation struct {
	SlotNumber int
	IdentityID string
	LeaseToken string
}

// ReadLease returns the lease annotation on s. ok is false when any part is
// missing or malformed.
func ReadLease(s Session) (LeaseAnnotation, bool) {
	token, ok := s.Get(KeyLeaseToken)
	if !ok || strings.TrimSpace(token) == "" {
		return LeaseAnnotation{}, false
	}
	identityID, ok := s.Get(KeyIdentityID)
	if !ok || strings.TrimSpace(identityID) == "" {
		return LeaseAnnotation{}, false
	}
	rawSlot, ok := s.Get(KeySlotNumber)
	if !ok {
		return LeaseAnnotation{}, false
	}
	slot, err := strconv.Atoi(rawSlot)
	if err != nil || slot <= 0 {
		return LeaseAnnotation{}, false
	}
	return LeaseAnnotation{SlotNumber: slot, IdentityID: identityID, LeaseToken: token}, true
}

// WriteLease stores a on s. The caller commits.
func WriteLease(s Session, a LeaseAnnotation) {
	s.Set(KeySlotNumber, strconv.Itoa(a.SlotNumber))
	s.Set(KeyIdentityID, a.IdentityID)
	s.Set(KeyLeaseToken, a.LeaseToken)
}

// ClearLease removes any lease annotation from s and reports whether one was
// present. The caller commits.
func ClearLease(s Session) bool {
	_, hadToken := s.Pop(KeyLeaseToken)
	_, hadIdentity := s.Pop(KeyIdentityID)
	_, hadSlot := s.Pop(KeySlotNumber)
	return hadToken || hadIdentity || hadSlot
}

// Memory is a [Session] kept in process memory. Commit only records that it
// was called, which makes it useful for tests and single-process hosts.
type Memory struct {
	key string

	mu      sync.Mutex
	values  map[string]string
	commits int
}

// NewMemory returns an empty in-memory session with the given key.
func NewMemory(key string) *Memory {
	return &Memory{key: key, values: map[string]string{}}
}

func (m *Memory) Key() string { return m.key }

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

func (m *Memory) Pop(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	delete(m.values, key)
	return v, ok
}

func (m *Memory) Commit(context.Context) error {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

// Commits returns how many times Commit was called.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}
