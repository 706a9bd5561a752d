// Package history keeps a bounded, per-requester log of edit outcomes.
package history

import (
	"sync"
	"time"
)

const DefaultCapacity = 10

type Status string

const (
	StatusSuccess     Status = "success"
	StatusNoChanges   Status = "no_changes"
	StatusRejected    Status = "rejected"
	StatusBuildFailed Status = "build_failed"
	StatusError       Status = "error"
)

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Prompt    string    `json:"prompt"`
	Status    Status    `json:"status"`
	Summary   string    `json:"summary"`
}

// Store records outcomes. List returns at most the store capacity, oldest
// first.
type Store interface {
	Append(requesterID string, entry Entry) error
	List(requesterID string) ([]Entry, error)
}

// Ring is an in-memory Store that evicts the oldest entry once a requester's
// log reaches capacity.
type Ring struct {
	mu       sync.Mutex
	capacity int
	logs     map[string][]Entry
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity, logs: make(map[string][]Entry)}
}

func (r *Ring) Capacity() int {
	return r.capacity
}

func (r *Ring) Append(requesterID string, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append(r.logs[requesterID], entry)
	if over := len(entries) - r.capacity; over > 0 {
		entries = append([]Entry(nil), entries[over:]...)
	}
	r.logs[requesterID] = entries
	return nil
}

func (r *Ring) List(requesterID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.logs[requesterID]...), nil
}
