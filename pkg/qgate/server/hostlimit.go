package server

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// HostLimiter enforces a maximum number of concurrent connections per remote
// host. A limit of zero disables the check.
type HostLimiter struct {
	mu       sync.Mutex
	maxConns int64
	hosts    map[string]*hostSlots
}

type hostSlots struct {
	sem  *semaphore.Weighted
	held int64
}

// NewHostLimiter creates a new per-host connection limiter.
func NewHostLimiter(maxConns int) *HostLimiter {
	return &HostLimiter{
		maxConns: int64(maxConns),
		hosts:    make(map[string]*hostSlots),
	}
}

// Acquire attempts to acquire a connection slot for host (non-blocking).
func (hl *HostLimiter) Acquire(host string) bool {
	if hl.maxConns <= 0 {
		return true
	}

	hl.mu.Lock()
	defer hl.mu.Unlock()

	slots, ok := hl.hosts[host]
	if !ok {
		slots = &hostSlots{sem: semaphore.NewWeighted(hl.maxConns)}
		hl.hosts[host] = slots
	}
	if !slots.sem.TryAcquire(1) {
		return false
	}
	slots.held++
	return true
}

// Release releases a connection slot for host. Hosts with no remaining
// connections are forgotten.
func (hl *HostLimiter) Release(host string) {
	if hl.maxConns <= 0 {
		return
	}

	hl.mu.Lock()
	defer hl.mu.Unlock()

	slots, ok := hl.hosts[host]
	if !ok || slots.held == 0 {
		return
	}
	slots.sem.Release(1)
	slots.held--
	if slots.held == 0 {
		delete(hl.hosts, host)
	}
}

// Active returns the number of slots currently held by host.
func (hl *HostLimiter) Active(host string) int {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	if slots, ok := hl.hosts[host]; ok {
		return int(slots.held)
	}
	return 0
}

// Hosts returns the number of hosts currently holding slots.
func (hl *HostLimiter) Hosts() int {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	return len(hl.hosts)
}
