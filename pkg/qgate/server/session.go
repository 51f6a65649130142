package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tbxark/qgate/pkg/qgate/admission"
	"github.com/tbxark/qgate/pkg/qgate/common"
	"github.com/tbxark/qgate/pkg/qgate/proto"
)

// EchoService is the service loop run for every admitted connection: each
// DATA frame is logged and acknowledged with an ACK echoing its payload until
// the client disconnects.
type EchoService struct {
	// Activity is called for every DATA frame received.
	Activity     func(h *admission.Handle)
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Serve implements admission.Service.
func (e *EchoService) Serve(ctx context.Context, h *admission.Handle) error {
	conn := h.Conn()
	logger := e.Logger.With(zap.String("handle", h.ID()), zap.String("remote_addr", h.RemoteAddr()))

	for {
		frame, err := proto.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("peer closed connection: %w", admission.ErrDisconnected)
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch frame.Type {
		case proto.TypeData:
			if e.Activity != nil {
				e.Activity(h)
			}
			logger.Info("Received message", zap.String("message", string(frame.Payload)))

			if e.WriteTimeout > 0 {
				if err := common.SetWriteDeadline(conn, e.WriteTimeout); err != nil {
					return fmt.Errorf("set write deadline: %w", err)
				}
			}
			if err := proto.WriteAck(conn, frame.Payload); err != nil {
				return fmt.Errorf("write ack: %w", err)
			}

		case proto.TypeDisconnect:
			logger.Info("Client requested disconnect")
			return admission.ErrDisconnected

		default:
			return fmt.Errorf("unexpected %s frame from client", proto.TypeName(frame.Type))
		}
	}
}
