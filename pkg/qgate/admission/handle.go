package admission

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Location is where a handle currently lives inside the admission core.
type Location int32

const (
	Unqueued   Location = iota // Accepted but not yet placed in any structure
	Admitted                   // Waiting in the admission queue
	Overflowed                 // Waiting in the overflow buffer
	InService                  // Owned by a worker
	Closed                     // Connection closed and released
)

// String returns a human-readable name for the location.
func (l Location) String() string {
	switch l {
	case Unqueued:
		return "unqueued"
	case Admitted:
		return "admitted"
	case Overflowed:
		return "overflowed"
	case InService:
		return "in_service"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a handle was closed.
type CloseReason int32

const (
	ReasonNone CloseReason = iota
	ReasonCompleted
	ReasonDisconnect
	ReasonIdleTimeout
	ReasonError
	ReasonRejected
	ReasonShutdown
)

// String returns the label used for logs and metrics.
func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonCompleted:
		return "completed"
	case ReasonDisconnect:
		return "disconnect"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonError:
		return "error"
	case ReasonRejected:
		return "rejected"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Handle represents one accepted client connection.
type Handle struct {
	id         string
	conn       net.Conn
	remoteAddr string
	createdAt  time.Time

	location     atomic.Int32
	lastActivity atomic.Int64 // unix nanos
	reason       atomic.Int32

	mu          sync.Mutex         // guards the fields below
	cancel      context.CancelFunc // set while InService
	aborted     bool
	abortReason CloseReason

	connOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func newHandle(conn net.Conn) *Handle {
	now := time.Now()
	h := &Handle{
		id:        uuid.New().String(),
		conn:      conn,
		createdAt: now,
		done:      make(chan struct{}),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		h.remoteAddr = addr.String()
	}
	h.lastActivity.Store(now.UnixNano())
	return h
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Conn returns the underlying connection. Only the service collaborator of the
// worker owning the handle may read from or write to it.
func (h *Handle) Conn() net.Conn { return h.conn }

// RemoteAddr returns the peer address captured at acceptance.
func (h *Handle) RemoteAddr() string { return h.remoteAddr }

// CreatedAt returns when the handle was created.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Location returns the handle's current location.
func (h *Handle) Location() Location { return Location(h.location.Load()) }

// LastActivity returns when data was last reported for the handle.
func (h *Handle) LastActivity() time.Time { return time.Unix(0, h.lastActivity.Load()) }

// CloseReason returns why the handle was closed, or ReasonNone while it is open.
func (h *Handle) CloseReason() CloseReason { return CloseReason(h.reason.Load()) }

// Done is closed once the handle reaches Closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setLocation(l Location) { h.location.Store(int32(l)) }

func (h *Handle) touch() { h.lastActivity.Store(time.Now().UnixNano()) }

// beginService attaches the worker's cancel func. It reports false when the
// handle was aborted while moving from the queue to the worker.
func (h *Handle) beginService(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.aborted {
		return false
	}
	h.cancel = cancel
	h.touch()
	return true
}

// abort requests termination of an in-service handle: the service context is
// cancelled and the transport closed so blocked reads return.
func (h *Handle) abort(reason CloseReason) bool {
	h.mu.Lock()
	if h.aborted || h.Location() == Closed {
		h.mu.Unlock()
		return false
	}
	h.aborted = true
	h.abortReason = reason
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = h.closeConn()
	return true
}

// pendingReason returns the reason recorded by abort, if any.
func (h *Handle) pendingReason() (CloseReason, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abortReason, h.aborted
}

func (h *Handle) closeConn() error {
	var err error
	h.connOnce.Do(func() {
		err = h.conn.Close()
	})
	return err
}

// finish transitions the handle to Closed exactly once. It reports whether
// this call performed the transition.
func (h *Handle) finish(reason CloseReason) bool {
	first := false
	h.closeOnce.Do(func() {
		first = true
		_ = h.closeConn()
		h.reason.Store(int32(reason))
		h.setLocation(Closed)
		close(h.done)
	})
	return first
}
