package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tbxark/qgate/pkg/qgate/common"
	"github.com/tbxark/qgate/pkg/qgate/proto"
)

// Client opens sessions against a qgate server.
type Client struct {
	Config *Config     // Client configuration
	Logger *zap.Logger // Logger instance
}

// Summary counts session outcomes.
type Summary struct {
	Completed int `json:"completed"`
	Busy      int `json:"busy"`
	Failed    int `json:"failed"`
}

// Run opens Config.Connections sessions, at most Config.Concurrency at a time,
// and waits for all of them. It returns ctx.Err() if ctx ended early.
func (c *Client) Run(ctx context.Context) (Summary, error) {
	var completed, busy, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(c.Config.Concurrency)

	for i := range c.Config.Connections {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := c.runSession(ctx, i)
			switch {
			case err == nil:
				completed.Add(1)
			case errors.Is(err, common.ErrServerBusy):
				busy.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Completed: int(completed.Load()),
		Busy:      int(busy.Load()),
		Failed:    int(failed.Load()),
	}
	c.Logger.Info("All sessions finished",
		zap.Int("completed", summary.Completed),
		zap.Int("busy", summary.Busy),
		zap.Int("failed", summary.Failed))

	return summary, ctx.Err()
}

// runSession runs one session, retrying with exponential backoff while the
// server reports busy.
func (c *Client) runSession(ctx context.Context, id int) error {
	logger := c.Logger.With(zap.Int("session", id))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Config.RetryInitial
	b.MaxInterval = c.Config.RetryMax
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := c.session(ctx, logger)
		if err == nil || errors.Is(err, common.ErrServerBusy) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		logger.Info("Server busy, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.Config.MaxRetries)), ctx),
		notify)
	switch {
	case err == nil:
		logger.Debug("Session completed", zap.Int("attempts", attempt))
	case errors.Is(err, common.ErrServerBusy):
		logger.Warn("Server busy, giving up", zap.Int("attempts", attempt))
	default:
		logger.Error("Session failed", zap.Int("attempts", attempt), zap.Error(err))
	}
	return err
}

// session dials the server, sends one message, reads the echo and
// disconnects.
func (c *Client) session(ctx context.Context, logger *zap.Logger) error {
	dialer := net.Dialer{Timeout: c.Config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Config.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Config.ServerAddr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// A rejected connection gets the busy notice right after accept.
	if c.Config.BusyProbe > 0 {
		if err := common.SetReadDeadline(conn, c.Config.BusyProbe); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		frame, err := proto.ReadFrame(conn)
		switch {
		case err == nil:
			return unexpectedReply(frame)
		case isTimeout(err):
		default:
			return fmt.Errorf("read reply: %w", err)
		}
	}

	if err := proto.WriteData(conn, []byte(c.Config.Message)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	if err := common.SetReadDeadline(conn, c.Config.ReadTimeout); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	frame, err := proto.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if frame.Type != proto.TypeAck {
		return unexpectedReply(frame)
	}
	logger.Info("Received echo", zap.String("message", string(frame.Payload)))

	if c.Config.Hold > 0 {
		select {
		case <-time.After(c.Config.Hold):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := proto.WriteDisconnect(conn); err != nil {
		return fmt.Errorf("send disconnect: %w", err)
	}
	return nil
}

func unexpectedReply(frame proto.Frame) error {
	if frame.Type == proto.TypeBusy {
		return fmt.Errorf("%w: %s", common.ErrServerBusy, frame.Payload)
	}
	return fmt.Errorf("unexpected %s frame from server", proto.TypeName(frame.Type))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
