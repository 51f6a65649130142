package admission

import (
	"sync"
	"time"
)

// idleReaper fires once a handle has reported no activity for timeout. The
// timer is re-armed for the remaining time whenever activity was seen.
type idleReaper struct {
	h       *Handle
	timeout time.Duration
	fire    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func startIdleReaper(h *Handle, timeout time.Duration, fire func()) *idleReaper {
	r := &idleReaper{
		h:       h,
		timeout: timeout,
		fire:    fire,
	}

	r.mu.Lock()
	r.timer = time.AfterFunc(timeout, r.check)
	r.mu.Unlock()

	return r
}

func (r *idleReaper) check() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}

	idle := time.Since(r.h.LastActivity())
	if idle < r.timeout {
		r.timer.Reset(r.timeout - idle)
		r.mu.Unlock()
		return
	}

	r.stopped = true
	r.mu.Unlock()

	r.fire()
}

func (r *idleReaper) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	r.timer.Stop()
}
