// Package collab implements advisory edit locks. A lock is a signal that a
// record is being edited elsewhere; nothing enforces it on the server.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL bounds how long an unreleased lease blocks other holders.
const DefaultTTL = 2 * time.Minute

// Lease is a granted lock.
type Lease struct {
	Entity    string    `json:"entity"`
	ID        string    `json:"id"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Locker acquires and releases advisory locks.
type Locker interface {
	Acquire(ctx context.Context, entity, id, holder string) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// HeldError reports a lock already held by someone else. It is an expected
// condition, not a failure: callers fall back to read-only editing.
type HeldError struct {
	Entity string
	ID     string
	HeldBy string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock on %s/%s held by %s", e.Entity, e.ID, e.HeldBy)
}

// IsHeld reports whether err is a *HeldError, returning it.
func IsHeld(err error) (*HeldError, bool) {
	var he *HeldError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// Memory is an in-process lock table.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[string]Lease
}

// Option configures a Memory locker.
type Option func(*Memory)

// WithTTL sets the lease lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Memory) { m.ttl = ttl }
}

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty lock table.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		ttl:    DefaultTTL,
		now:    time.Now,
		leases: make(map[string]Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func lockKey(entity, id string) string {
	return entity + "/" + id
}

// Acquire grants or refreshes a lease. An unexpired lease held by another
// holder yields *HeldError.
func (m *Memory) Acquire(ctx context.Context, entity, id, holder string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := lockKey(entity, id)
	if cur, ok := m.leases[key]; ok && cur.Holder != holder && now.Before(cur.ExpiresAt) {
		return Lease{}, &HeldError{Entity: entity, ID: id, HeldBy: cur.Holder}
	}
	lease := Lease{Entity: entity, ID: id, Holder: holder, ExpiresAt: now.Add(m.ttl)}
	m.leases[key] = lease
	return lease, nil
}

// Release drops the lease if it is still owned by the same holder.
func (m *Memory) Release(ctx context.Context, lease Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(lease.Entity, lease.ID)
	if cur, ok := m.leases[key]; ok && cur.Holder == lease.Holder {
		delete(m.leases, key)
	}
	return nil
}

// Holder returns the current unexpired holder of a record's lock.
func (m *Memory) Holder(entity, id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[lockKey(entity, id)]
	if !ok || !m.now().Before(cur.ExpiresAt) {
		return "", false
	}
	return cur.Holder, true
}
