// Package userdir is the read-only user lookup the trust classifier depends on.
package userdir

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a user has no profile.
var ErrNotFound = errors.New("userdir: user not found")

// Profile is the subset of account data the security subsystem needs.
type Profile struct {
	UserID    string
	CreatedAt time.Time
}

// Directory looks up account facts. Implementations must be safe for concurrent use.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetTransactionCount(ctx context.Context, userID string) (int, error)
}

// MemoryDirectory is an in-memory Directory for demo/test use.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	txCounts map[string]int
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		profiles: make(map[string]Profile),
		txCounts: make(map[string]int),
	}
}

// Put inserts or replaces a user.
func (d *MemoryDirectory) Put(userID string, createdAt time.Time, txCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[userID] = Profile{UserID: userID, CreatedAt: createdAt}
	d.txCounts[userID] = txCount
}

// AddTransactions bumps a user's transaction count.
func (d *MemoryDirectory) AddTransactions(userID string, n int) {
	d.mu.Lock()
	d.txCounts[userID] += n
	d.mu.Unlock()
}

func (d *MemoryDirectory) GetProfile(_ context.Context, userID string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d *MemoryDirectory) GetTransactionCount(_ context.Context, userID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txCounts[userID], nil
}
