package admission

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// peer is the client side of a pipe; it collects everything the server side
// writes until the server closes the connection.
type peer struct {
	conn     net.Conn
	received chan []byte
}

func newConn(t *testing.T) (net.Conn, *peer) {
	t.Helper()
	server, client := net.Pipe()
	p := &peer{conn: client, received: make(chan []byte, 1)}
	go func() {
		b, _ := io.ReadAll(client)
		p.received <- b
	}()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, p
}

func (p *peer) data(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-p.received:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not closed")
		return nil
	}
}

// blockingService records every handle it serves and returns once released
// or cancelled.
type blockingService struct {
	started chan *Handle
	release chan struct{}
}

func newBlockingService() *blockingService {
	return &blockingService{
		started: make(chan *Handle, 64),
		release: make(chan struct{}),
	}
}

func (s *blockingService) Serve(ctx context.Context, h *Handle) error {
	s.started <- h
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingService) next(t *testing.T) *Handle {
	t.Helper()
	select {
	case h := <-s.started:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no handle dispatched")
		return nil
	}
}

func testConfig(queue, overflow, workers int) Config {
	cfg := DefaultConfig()
	cfg.QueueCapacity = queue
	cfg.OverflowCapacity = overflow
	cfg.Workers = workers
	cfg.EnqueueTimeout = 0
	cfg.DrainInterval = time.Hour
	cfg.BusyWriteTimeout = time.Second
	return cfg
}

func busyNotice(conn net.Conn) error {
	_, err := conn.Write([]byte("busy"))
	return err
}

func newController(t *testing.T, cfg Config, svc Service, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithBusyNotice(busyNotice)}, opts...)
	c, err := New(cfg, svc, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func waitClosed(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle %s not closed, location %s", h.ID(), h.Location())
	}
}

func TestNew(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(0, 1, 1)
		_, err := New(cfg, newBlockingService(), nil)
		assert.Error(t, err)
	})

	t.Run("missing service", func(t *testing.T) {
		_, err := New(testConfig(1, 1, 1), nil, nil)
		assert.Error(t, err)
	})

	t.Run("start twice", func(t *testing.T) {
		c := newController(t, testConfig(1, 1, 1), newBlockingService())
		require.NoError(t, c.Start())
		assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)
	})
}

func TestAdmitRejectionScenario(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := newController(t, testConfig(2, 1, 1), newBlockingService(), WithMetrics(metrics))

	want := []Result{ResultAdmitted, ResultAdmitted, ResultOverflowed, ResultRejected}
	handles := make([]*Handle, len(want))
	peers := make([]*peer, len(want))
	for i, expected := range want {
		conn, p := newConn(t)
		h, got := c.Admit(context.Background(), conn)
		assert.Equal(t, expected, got, "admit %d", i)
		handles[i], peers[i] = h, p
	}

	assert.Equal(t, Admitted, handles[0].Location())
	assert.Equal(t, Admitted, handles[1].Location())
	assert.Equal(t, Overflowed, handles[2].Location())

	rejected := handles[3]
	waitClosed(t, rejected)
	assert.Equal(t, ReasonRejected, rejected.CloseReason())
	assert.Equal(t, "busy", string(peers[3].data(t)))

	_, live := c.Lookup(rejected.ID())
	assert.False(t, live, "rejected handle must be released")

	stats := c.Stats()
	assert.Equal(t, 2, stats.QueueLen)
	assert.Equal(t, 1, stats.OverflowLen)
	assert.Equal(t, 3, stats.Live)
	assert.Equal(t, int64(1), stats.RejectedTotal)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Admissions.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Admissions.WithLabelValues("overflowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Admissions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Closed.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("overflowed")))
}

func TestAdmitOverflowDisabled(t *testing.T) {
	c := newController(t, testConfig(1, 0, 1), newBlockingService())

	conn, _ := newConn(t)
	_, got := c.Admit(context.Background(), conn)
	assert.Equal(t, ResultAdmitted, got)

	conn, p := newConn(t)
	h, got := c.Admit(context.Background(), conn)
	assert.Equal(t, ResultRejected, got)
	waitClosed(t, h)
	assert.Equal(t, "busy", string(p.data(t)))
}

func TestAdmitWaitsForSpace(t *testing.T) {
	cfg := testConfig(1, 0, 1)
	cfg.EnqueueTimeout = time.Second
	c := newController(t, cfg, newBlockingService())

	first, _ := newConn(t)
	_, got := c.Admit(context.Background(), first)
	require.Equal(t, ResultAdmitted, got)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = c.admission.take(context.Background(), InService)
	}()

	second, _ := newConn(t)
	_, got = c.Admit(context.Background(), second)
	assert.Equal(t, ResultAdmitted, got, "gate should wait for the freed slot")
}

func TestDrainScenario(t *testing.T) {
	c := newController(t, testConfig(1, 2, 1), newBlockingService())

	var handles []*Handle
	for _, want := range []Result{ResultAdmitted, ResultOverflowed, ResultOverflowed} {
		conn, _ := newConn(t)
		h, got := c.Admit(context.Background(), conn)
		require.Equal(t, want, got)
		handles = append(handles, h)
	}
	a, b, cc := handles[0], handles[1], handles[2]

	taken, err := c.admission.take(context.Background(), InService)
	require.NoError(t, err)
	require.Same(t, a, taken)
	c.finish(a, ReasonCompleted)

	moved, err := c.drainOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, Admitted, b.Location())
	assert.Equal(t, Overflowed, cc.Location())
	assert.Equal(t, []string{b.ID()}, c.admission.snapshot())
	assert.Equal(t, []string{cc.ID()}, c.overflow.snapshot())
}

func TestDispatchOrderAcrossTiers(t *testing.T) {
	svc := newBlockingService()
	c := newController(t, testConfig(1, 2, 1), svc)

	var handles []*Handle
	for range 3 {
		conn, _ := newConn(t)
		h, _ := c.Admit(context.Background(), conn)
		handles = append(handles, h)
	}

	require.NoError(t, c.Start())

	for _, want := range handles {
		got := svc.next(t)
		assert.Same(t, want, got)
		assert.Equal(t, InService, got.Location())
		svc.release <- struct{}{}
		waitClosed(t, got)
		assert.Equal(t, ReasonCompleted, got.CloseReason())
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Run("silent connection is reaped", func(t *testing.T) {
		cfg := testConfig(1, 0, 1)
		cfg.IdleTimeout = 50 * time.Millisecond
		svc := newBlockingService()
		c := newController(t, cfg, svc)
		require.NoError(t, c.Start())

		conn, p := newConn(t)
		h, _ := c.Admit(context.Background(), conn)
		svc.next(t)

		waitClosed(t, h)
		assert.Equal(t, ReasonIdleTimeout, h.CloseReason())
		assert.Empty(t, p.data(t), "idle timeout sends no message")
	})

	t.Run("activity defers the deadline", func(t *testing.T) {
		cfg := testConfig(1, 0, 1)
		cfg.IdleTimeout = 60 * time.Millisecond

		var c *Controller
		svc := ServiceFunc(func(ctx context.Context, h *Handle) error {
			for range 8 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
					c.NotifyActivity(h)
				}
			}
			return nil
		})
		c = newController(t, cfg, svc)
		require.NoError(t, c.Start())

		conn, _ := newConn(t)
		h, _ := c.Admit(context.Background(), conn)

		waitClosed(t, h)
		assert.Equal(t, ReasonCompleted, h.CloseReason())
	})
}

func TestNotify(t *testing.T) {
	t.Run("disconnect evicts an overflowed handle", func(t *testing.T) {
		c := newController(t, testConfig(1, 2, 1), newBlockingService())

		conn, _ := newConn(t)
		_, _ = c.Admit(context.Background(), conn)
		conn, _ = newConn(t)
		b, got := c.Admit(context.Background(), conn)
		require.Equal(t, ResultOverflowed, got)
		conn, _ = newConn(t)
		cc, _ := c.Admit(context.Background(), conn)

		c.NotifyDisconnect(b)
		waitClosed(t, b)
		assert.Equal(t, ReasonDisconnect, b.CloseReason())
		assert.Equal(t, []string{cc.ID()}, c.overflow.snapshot())
	})

	t.Run("error evicts an admitted handle", func(t *testing.T) {
		c := newController(t, testConfig(2, 0, 1), newBlockingService())

		conn, _ := newConn(t)
		a, _ := c.Admit(context.Background(), conn)
		conn, _ = newConn(t)
		b, _ := c.Admit(context.Background(), conn)

		c.NotifyError(a, errors.New("reset by peer"))
		waitClosed(t, a)
		assert.Equal(t, ReasonError, a.CloseReason())
		assert.Equal(t, []string{b.ID()}, c.admission.snapshot())
	})

	t.Run("error aborts an in-service handle", func(t *testing.T) {
		svc := newBlockingService()
		c := newController(t, testConfig(1, 0, 1), svc)
		require.NoError(t, c.Start())

		conn, _ := newConn(t)
		h, _ := c.Admit(context.Background(), conn)
		require.Same(t, h, svc.next(t))

		c.NotifyError(h, errors.New("broken pipe"))
		waitClosed(t, h)
		assert.Equal(t, ReasonError, h.CloseReason())
	})

	t.Run("notify after close is a no-op", func(t *testing.T) {
		c := newController(t, testConfig(1, 0, 1), newBlockingService())

		conn, _ := newConn(t)
		h, _ := c.Admit(context.Background(), conn)
		c.NotifyDisconnect(h)
		waitClosed(t, h)

		c.NotifyError(h, errors.New("late"))
		assert.Equal(t, ReasonDisconnect, h.CloseReason())
		assert.Equal(t, int64(1), c.Stats().ClosedTotal)
	})
}

func TestServiceOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		serve    func() error
		expected CloseReason
	}{
		{
			name:     "completed",
			serve:    func() error { return nil },
			expected: ReasonCompleted,
		},
		{
			name:     "client disconnect",
			serve:    func() error { return disconnectErr() },
			expected: ReasonDisconnect,
		},
		{
			name:     "collaborator error",
			serve:    func() error { return io.ErrUnexpectedEOF },
			expected: ReasonError,
		},
		{
			name:     "collaborator panic",
			serve:    func() error { panic("decoder exploded") },
			expected: ReasonError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			metrics := NewMetrics(reg)
			svc := ServiceFunc(func(ctx context.Context, h *Handle) error { return tt.serve() })
			c := newController(t, testConfig(1, 0, 1), svc, WithMetrics(metrics))
			require.NoError(t, c.Start())

			conn, _ := newConn(t)
			h, _ := c.Admit(context.Background(), conn)
			waitClosed(t, h)
			assert.Equal(t, tt.expected, h.CloseReason())

			failures := 0.0
			if tt.expected == ReasonError {
				failures = 1
			}
			assert.Equal(t, failures, testutil.ToFloat64(metrics.CollaboratorFailures))
		})
	}
}

func disconnectErr() error {
	return errors.Join(errors.New("client sent disconnect"), ErrDisconnected)
}

func TestWorkerSurvivesPanic(t *testing.T) {
	var calls atomic.Int32
	svc := ServiceFunc(func(ctx context.Context, h *Handle) error {
		if calls.Add(1) == 1 {
			panic("first connection blows up")
		}
		return nil
	})
	c := newController(t, testConfig(2, 0, 1), svc)
	require.NoError(t, c.Start())

	conn, _ := newConn(t)
	first, _ := c.Admit(context.Background(), conn)
	conn, _ = newConn(t)
	second, _ := c.Admit(context.Background(), conn)

	waitClosed(t, first)
	waitClosed(t, second)
	assert.Equal(t, ReasonError, first.CloseReason())
	assert.Equal(t, ReasonCompleted, second.CloseReason())
}

func TestShutdown(t *testing.T) {
	t.Run("closes every queued handle", func(t *testing.T) {
		c := newController(t, testConfig(3, 2, 1), newBlockingService())

		var handles []*Handle
		for range 5 {
			conn, _ := newConn(t)
			h, got := c.Admit(context.Background(), conn)
			require.NotEqual(t, ResultRejected, got)
			handles = append(handles, h)
		}

		require.NoError(t, c.Shutdown(context.Background()))

		for _, h := range handles {
			waitClosed(t, h)
			assert.Equal(t, ReasonShutdown, h.CloseReason())
		}
		assert.Zero(t, c.Stats().Live)

		conn, _ := newConn(t)
		h, got := c.Admit(context.Background(), conn)
		assert.Equal(t, ResultRejected, got)
		assert.Equal(t, ReasonRejected, h.CloseReason())
	})

	t.Run("lets in-flight work finish", func(t *testing.T) {
		svc := newBlockingService()
		c := newController(t, testConfig(3, 2, 1), svc)
		require.NoError(t, c.Start())

		var handles []*Handle
		for range 4 {
			conn, _ := newConn(t)
			h, _ := c.Admit(context.Background(), conn)
			handles = append(handles, h)
		}
		inFlight := svc.next(t)
		require.Same(t, handles[0], inFlight)

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(svc.release)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, c.Shutdown(ctx))

		waitClosed(t, inFlight)
		assert.Equal(t, ReasonCompleted, inFlight.CloseReason())
		for _, h := range handles[1:] {
			waitClosed(t, h)
			assert.Equal(t, ReasonShutdown, h.CloseReason())
		}
	})

	t.Run("deadline still closes queued handles", func(t *testing.T) {
		svc := newBlockingService()
		c := newController(t, testConfig(1, 1, 1), svc)
		require.NoError(t, c.Start())

		conn, _ := newConn(t)
		inFlight, _ := c.Admit(context.Background(), conn)
		svc.next(t)
		conn, _ = newConn(t)
		queued, _ := c.Admit(context.Background(), conn)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := c.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		waitClosed(t, queued)
		assert.Equal(t, ReasonShutdown, queued.CloseReason())
		assert.NotEqual(t, Closed, inFlight.Location())

		close(svc.release)
		waitClosed(t, inFlight)
		assert.Equal(t, ReasonCompleted, inFlight.CloseReason())
	})

	t.Run("second call is a no-op", func(t *testing.T) {
		c := newController(t, testConfig(1, 1, 1), newBlockingService())
		require.NoError(t, c.Start())
		require.NoError(t, c.Shutdown(context.Background()))
		assert.NoError(t, c.Shutdown(context.Background()))
	})
}

func TestConcurrentAdmissions(t *testing.T) {
	const (
		clients = 100
		workers = 3
	)

	var (
		inService atomic.Int32
		maxSeen   atomic.Int32
		misplaced atomic.Int32
		hookMu    sync.Mutex
		closes    = make(map[string]int)
	)

	svc := ServiceFunc(func(ctx context.Context, h *Handle) error {
		n := inService.Add(1)
		defer inService.Add(-1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		if h.Location() != InService {
			misplaced.Add(1)
		}
		time.Sleep(time.Millisecond)
		return nil
	})

	cfg := testConfig(4, 4, workers)
	cfg.EnqueueTimeout = 5 * time.Millisecond
	cfg.DrainInterval = 5 * time.Millisecond
	c := newController(t, cfg, svc, WithCloseHook(func(h *Handle) {
		hookMu.Lock()
		closes[h.ID()]++
		hookMu.Unlock()
	}))
	require.NoError(t, c.Start())

	stopMonitor := make(chan struct{})
	var overCapacity atomic.Bool
	go func() {
		for {
			select {
			case <-stopMonitor:
				return
			default:
			}
			if c.admission.Len() > cfg.QueueCapacity || c.overflow.Len() > cfg.OverflowCapacity {
				overCapacity.Store(true)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	handles := make([]*Handle, clients)
	results := make([]Result, clients)
	var wg sync.WaitGroup
	for i := range clients {
		conn, _ := newConn(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], results[i] = c.Admit(context.Background(), conn)
		}()
	}
	wg.Wait()

	for _, h := range handles {
		waitClosed(t, h)
	}
	close(stopMonitor)

	served := 0
	for i, h := range handles {
		if results[i] == ResultRejected {
			assert.Equal(t, ReasonRejected, h.CloseReason())
			continue
		}
		served++
		assert.Equal(t, ReasonCompleted, h.CloseReason(), "admitted handle %d must be serviced", i)
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	assert.Len(t, closes, clients)
	for id, n := range closes {
		assert.Equal(t, 1, n, "handle %s closed %d times", id, n)
	}

	stats := c.Stats()
	assert.Equal(t, int64(clients), stats.ClosedTotal)
	assert.Equal(t, int64(served), stats.AdmittedTotal+stats.OverflowedTotal)
	assert.Zero(t, stats.Live)
	assert.LessOrEqual(t, maxSeen.Load(), int32(workers))
	assert.Zero(t, misplaced.Load())
	assert.False(t, overCapacity.Load(), "queue exceeded its capacity")
}
