package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tbxark/qgate/pkg/qgate/admission"
	"github.com/tbxark/qgate/pkg/qgate/common"
	"github.com/tbxark/qgate/pkg/qgate/proto"
)

// Server accepts TCP connections and hands them to the admission controller.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	hosts      *HostLimiter
	rates      *AcceptRateLimiter
	rejections *prometheus.CounterVec
	ctrl       *admission.Controller
}

// NewServer creates a new Server.
func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		hosts:    NewHostLimiter(cfg.MaxConnsPerHost),
		rates:    NewAcceptRateLimiter(cfg.AcceptRate, cfg.AcceptBurst, cfg.RateExpiry),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgate",
			Name:      "host_rejections_total",
			Help:      "Connections refused before admission by per-host limits.",
		}, []string{"cause"}),
	}
	reg.MustRegister(s.rejections)

	svc := &EchoService{
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	}

	ctrl, err := admission.New(cfg.Admission, svc, logger,
		admission.WithMetrics(admission.NewMetrics(reg)),
		admission.WithBusyNotice(func(conn net.Conn) error { return proto.WriteBusy(conn) }),
		admission.WithCloseHook(func(h *admission.Handle) { s.hosts.Release(hostOf(h.RemoteAddr())) }),
	)
	if err != nil {
		return nil, err
	}
	svc.Activity = ctrl.NotifyActivity
	s.ctrl = ctrl

	return s, nil
}

// Controller returns the admission controller of the server.
func (s *Server) Controller() *admission.Controller {
	return s.ctrl
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled, then drains
// the admission controller. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer func() {
		_ = listener.Close()
	}()

	if err := s.ctrl.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" {
		metricsSrv = s.startMetrics()
	}

	s.logger.Info("Server listening", zap.String("address", listener.Addr().String()))

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down server")
			_ = listener.Close()
		case <-done:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.shutdown(metricsSrv, ctx.Err())
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return s.shutdown(metricsSrv, err)
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	host := hostOf(addr)

	if !s.rates.Allow(host) {
		s.refuse(conn, addr, "rate", common.ErrRateLimited)
		return
	}
	if !s.hosts.Acquire(host) {
		s.refuse(conn, addr, "host_limit", common.ErrHostLimit)
		return
	}

	h, result := s.ctrl.Admit(ctx, conn)
	s.logger.Debug("Accepted new connection",
		zap.String("remote_addr", addr),
		zap.String("handle", h.ID()),
		zap.Stringer("result", result))
}

// refuse writes the busy frame and closes a connection that never entered the
// admission core.
func (s *Server) refuse(conn net.Conn, addr, cause string, reason error) {
	defer func() {
		_ = conn.Close()
	}()

	s.rejections.WithLabelValues(cause).Inc()
	s.logger.Warn("Connection refused", zap.String("remote_addr", addr), zap.Error(reason))

	if timeout := s.cfg.Admission.BusyWriteTimeout; timeout > 0 {
		if err := common.SetWriteDeadline(conn, timeout); err != nil {
			s.logger.Debug("Failed to set write deadline", zap.Error(err))
			return
		}
	}
	if err := proto.WriteBusy(conn); err != nil {
		s.logger.Debug("Failed to write busy notice", zap.String("remote_addr", addr), zap.Error(err))
	}
}

func (s *Server) shutdown(metricsSrv *http.Server, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	errs := []error{cause}
	if err := s.ctrl.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admission shutdown: %w", err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	stats := s.ctrl.Stats()
	s.logger.Info("Server stopped",
		zap.Int64("admitted", stats.AdmittedTotal),
		zap.Int64("overflowed", stats.OverflowedTotal),
		zap.Int64("rejected", stats.RejectedTotal),
		zap.Int("live", stats.Live))

	return errors.Join(errs...)
}

// MetricsHandler serves /metrics in the Prometheus exposition format and
// /stats as a JSON controller snapshot.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.ctrl.Stats()); err != nil {
			s.logger.Debug("Failed to write stats", zap.Error(err))
		}
	})
	return mux
}

func (s *Server) startMetrics() *http.Server {
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Metrics listening", zap.String("address", s.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return srv
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
