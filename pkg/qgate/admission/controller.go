// Package admission implements bounded connection admission control: an
// admission queue serviced by a fixed worker pool, an overflow buffer drained
// back into the queue as capacity frees up, and an idle reaper for connections
// in service.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateDraining
	stateStopped
)

// Service runs the message exchange of one connection. Serve is called
// synchronously by a worker and should return when the peer disconnects,
// when ctx is cancelled, or when the connection fails. Returning an error
// that wraps ErrDisconnected marks a normal client disconnect.
type Service interface {
	Serve(ctx context.Context, h *Handle) error
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, h *Handle) error

// Serve implements Service.
func (f ServiceFunc) Serve(ctx context.Context, h *Handle) error { return f(ctx, h) }

// BusyNotice writes the rejection notice to a connection that could not be
// admitted.
type BusyNotice func(conn net.Conn) error

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records controller activity in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBusyNotice sets the notice written to rejected connections.
func WithBusyNotice(n BusyNotice) Option {
	return func(c *Controller) { c.notice = n }
}

// WithCloseHook registers fn to run once for every handle that is closed,
// including rejected ones.
func WithCloseHook(fn func(h *Handle)) Option {
	return func(c *Controller) { c.hooks = append(c.hooks, fn) }
}

// Stats is a point-in-time snapshot of the controller.
type Stats struct {
	QueueLen         int   `json:"queue_len"`
	QueueCapacity    int   `json:"queue_capacity"`
	OverflowLen      int   `json:"overflow_len"`
	OverflowCapacity int   `json:"overflow_capacity"`
	Workers          int   `json:"workers"`
	BusyWorkers      int   `json:"busy_workers"`
	Live             int   `json:"live"`
	AdmittedTotal    int64 `json:"admitted_total"`
	OverflowedTotal  int64 `json:"overflowed_total"`
	RejectedTotal    int64 `json:"rejected_total"`
	ClosedTotal      int64 `json:"closed_total"`
}

// Controller owns the admission queue, the overflow buffer, the worker pool
// and the drain scheduler of one server instance.
type Controller struct {
	cfg     Config
	service Service
	logger  *zap.Logger
	metrics *Metrics
	notice  BusyNotice
	hooks   []func(*Handle)

	admission *fifo
	overflow  *fifo
	live      *Registry

	state     atomic.Int32
	wake      chan struct{}
	stopDrain chan struct{}
	group     errgroup.Group
	done      chan struct{}
	groupErr  error

	busy       atomic.Int64
	admitted   atomic.Int64
	overflowed atomic.Int64
	rejected   atomic.Int64
	closed     atomic.Int64
}

// New creates a Controller. The worker pool and drain scheduler do not run
// until Start is called; connections admitted before that simply wait.
func New(cfg Config, service Service, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, errors.New("service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		cfg:       cfg,
		service:   service,
		logger:    logger,
		live:      NewRegistry(),
		wake:      make(chan struct{}, 1),
		stopDrain: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.admission = newFIFO("admission queue", Admitted, cfg.QueueCapacity)
	c.overflow = newFIFO("overflow buffer", Overflowed, cfg.OverflowCapacity)
	c.admission.onVacancy = c.wakeDrain
	c.admission.onDepth = c.metrics.depth(Admitted)
	c.overflow.onDepth = c.metrics.depth(Overflowed)

	return c, nil
}

// Start launches the worker pool and the drain scheduler.
func (c *Controller) Start() error {
	if !c.state.CompareAndSwap(stateIdle, stateRunning) {
		return ErrAlreadyStarted
	}

	for i := range c.cfg.Workers {
		c.group.Go(func() error { return c.runWorker(i) })
	}
	c.group.Go(c.runDrain)

	go func() {
		c.groupErr = c.group.Wait()
		close(c.done)
	}()

	c.logger.Info("Admission controller started",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("queue_capacity", c.cfg.QueueCapacity),
		zap.Int("overflow_capacity", c.cfg.OverflowCapacity),
		zap.Duration("enqueue_timeout", c.cfg.EnqueueTimeout),
		zap.Duration("idle_timeout", c.cfg.IdleTimeout),
		zap.Duration("drain_interval", c.cfg.DrainInterval))

	return nil
}

// Admit places conn in the admission queue, or the overflow buffer when the
// queue stays full for EnqueueTimeout. When both tiers are full it writes the
// busy notice, closes conn and returns ResultRejected.
func (c *Controller) Admit(ctx context.Context, conn net.Conn) (*Handle, Result) {
	h := newHandle(conn)
	c.live.Register(h)
	log := c.logger.With(zap.String("handle", h.id), zap.String("remote_addr", h.remoteAddr))

	if s := c.state.Load(); s == stateDraining || s == stateStopped {
		c.reject(h, log)
		return h, ResultRejected
	}

	ok, err := c.admission.push(ctx, h, c.cfg.EnqueueTimeout)
	if ok {
		c.reportInvariant(log, "admission gate", err)
		c.admitted.Add(1)
		c.metrics.admission(ResultAdmitted)
		log.Debug("Connection admitted")
		return h, ResultAdmitted
	}

	if !errors.Is(err, ErrClosed) {
		ok, err = c.overflow.push(ctx, h, c.cfg.EnqueueTimeout)
		if ok {
			c.reportInvariant(log, "admission gate", err)
			c.overflowed.Add(1)
			c.metrics.admission(ResultOverflowed)
			c.wakeDrain()
			log.Debug("Connection overflowed", zap.Int("overflow_len", c.overflow.Len()))
			return h, ResultOverflowed
		}
	}

	c.reject(h, log)
	return h, ResultRejected
}

// NotifyActivity resets the idle deadline of h.
func (c *Controller) NotifyActivity(h *Handle) {
	h.touch()
}

// NotifyDisconnect closes h after an explicit client disconnect.
func (c *Controller) NotifyDisconnect(h *Handle) {
	c.terminate(h, ReasonDisconnect)
}

// NotifyError closes h after the collaborator observed a failure.
func (c *Controller) NotifyError(h *Handle, cause error) {
	c.logger.Warn("Collaborator reported connection failure",
		zap.String("handle", h.id),
		zap.String("remote_addr", h.remoteAddr),
		zap.Error(cause))
	c.metrics.failure()
	c.terminate(h, ReasonError)
}

// Shutdown stops admissions, lets in-flight workers finish their current
// handle and then closes every handle still queued. If ctx ends first the
// queued handles are closed anyway and ctx.Err() is returned.
func (c *Controller) Shutdown(ctx context.Context) error {
	var started bool
	for {
		s := c.state.Load()
		if s == stateDraining || s == stateStopped {
			return nil
		}
		if c.state.CompareAndSwap(s, stateDraining) {
			started = s == stateRunning
			break
		}
	}

	c.logger.Info("Admission controller shutting down",
		zap.Int("queue_len", c.admission.Len()),
		zap.Int("overflow_len", c.overflow.Len()),
		zap.Int64("busy_workers", c.busy.Load()))

	c.admission.close()
	c.overflow.close()
	close(c.stopDrain)

	var waitErr error
	if started {
		select {
		case <-c.done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	}

	queued := 0
	for _, h := range c.overflow.drainAll() {
		c.finish(h, ReasonShutdown)
		queued++
	}
	for _, h := range c.admission.drainAll() {
		c.finish(h, ReasonShutdown)
		queued++
	}

	c.state.Store(stateStopped)
	c.logger.Info("Admission controller stopped",
		zap.Int("closed_queued", queued),
		zap.Int("live", c.live.Len()))

	if waitErr != nil {
		return waitErr
	}
	if started {
		return c.groupErr
	}
	return nil
}

// Lookup returns a live handle by ID.
func (c *Controller) Lookup(id string) (*Handle, bool) {
	return c.live.Get(id)
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	return Stats{
		QueueLen:         c.admission.Len(),
		QueueCapacity:    c.cfg.QueueCapacity,
		OverflowLen:      c.overflow.Len(),
		OverflowCapacity: c.cfg.OverflowCapacity,
		Workers:          c.cfg.Workers,
		BusyWorkers:      int(c.busy.Load()),
		Live:             c.live.Len(),
		AdmittedTotal:    c.admitted.Load(),
		OverflowedTotal:  c.overflowed.Load(),
		RejectedTotal:    c.rejected.Load(),
		ClosedTotal:      c.closed.Load(),
	}
}

func (c *Controller) runWorker(id int) error {
	log := c.logger.With(zap.Int("worker", id))
	log.Debug("Worker started")
	defer log.Debug("Worker stopped")

	for {
		h, err := c.admission.take(context.Background(), InService)
		if h == nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if err != nil {
			c.reportInvariant(log, "worker", err)
			c.finish(h, ReasonError)
			return err
		}

		c.dispatch(h, log)
	}
}

func (c *Controller) dispatch(h *Handle, log *zap.Logger) {
	log = log.With(zap.String("handle", h.id), zap.String("remote_addr", h.remoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !h.beginService(cancel) {
		reason, _ := h.pendingReason()
		c.finish(h, reason)
		return
	}

	c.busy.Add(1)
	c.metrics.busy(1)
	defer func() {
		c.busy.Add(-1)
		c.metrics.busy(-1)
	}()

	log.Debug("Connection dispatched", zap.Duration("waited", time.Since(h.createdAt)))

	reaper := startIdleReaper(h, c.cfg.IdleTimeout, func() {
		if h.abort(ReasonIdleTimeout) {
			log.Info("Idle timeout, closing connection", zap.Duration("idle_timeout", c.cfg.IdleTimeout))
		}
	})
	err := c.invoke(ctx, h)
	reaper.stop()

	reason := ReasonCompleted
	if pending, ok := h.pendingReason(); ok {
		reason = pending
	} else if errors.Is(err, ErrDisconnected) {
		reason = ReasonDisconnect
	} else if err != nil {
		reason = ReasonError
		c.metrics.failure()
		log.Warn("Service loop reported failure", zap.Error(err))
	}

	c.finish(h, reason)
	log.Debug("Connection closed",
		zap.Stringer("reason", reason),
		zap.Duration("lifetime", time.Since(h.createdAt)))
}

// invoke runs the collaborator, converting a panic into an error so the
// worker survives it.
func (c *Controller) invoke(ctx context.Context, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service panic: %v", r)
		}
	}()
	return c.service.Serve(ctx, h)
}

func (c *Controller) runDrain() error {
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopDrain:
			return nil
		case <-ticker.C:
		case <-c.wake:
		}

		if _, err := c.drainOnce(); err != nil {
			c.reportInvariant(c.logger, "drain scheduler", err)
			return err
		}
	}
}

// drainOnce is one drain scheduler activation.
func (c *Controller) drainOnce() (int, error) {
	return c.overflow.promoteInto(c.admission, func(h *Handle) {
		c.metrics.promoted()
		c.logger.Debug("Connection promoted from overflow",
			zap.String("handle", h.id),
			zap.Duration("waited", time.Since(h.createdAt)))
	})
}

func (c *Controller) wakeDrain() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// terminate evicts a queued handle by identity, or aborts it if a worker
// already owns it. The overflow buffer is checked first so a handle moving
// between tiers is always found.
func (c *Controller) terminate(h *Handle, reason CloseReason) {
	if c.overflow.remove(h) || c.admission.remove(h) {
		c.finish(h, reason)
		return
	}
	h.abort(reason)
}

func (c *Controller) reject(h *Handle, log *zap.Logger) {
	if c.notice != nil {
		if c.cfg.BusyWriteTimeout > 0 {
			_ = h.conn.SetWriteDeadline(time.Now().Add(c.cfg.BusyWriteTimeout))
		}
		if err := c.notice(h.conn); err != nil {
			log.Debug("Failed to write busy notice", zap.Error(err))
		}
	}

	c.rejected.Add(1)
	c.metrics.admission(ResultRejected)
	c.finish(h, ReasonRejected)

	log.Warn("Connection rejected",
		zap.Int("queue_len", c.admission.Len()),
		zap.Int("overflow_len", c.overflow.Len()))
}

func (c *Controller) finish(h *Handle, reason CloseReason) {
	if !h.finish(reason) {
		return
	}

	c.live.Release(h.id)
	c.closed.Add(1)
	c.metrics.closed(reason)
	for _, hook := range c.hooks {
		hook(h)
	}
}

func (c *Controller) reportInvariant(log *zap.Logger, where string, err error) {
	if err == nil {
		return
	}
	log.Error("Admission invariant violated",
		zap.String("where", where),
		zap.Error(err),
		zap.Stack("stack"))
}
