package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const Version = 0x01

// Frame types.
const (
	TypeData       = 0x01
	TypeAck        = 0x02
	TypeDisconnect = 0x03
	TypeBusy       = 0x04
)

const (
	HeaderSize    = 4
	MaxPayloadLen = 1024
)

// BusyMessage is the payload of the BUSY frame sent to rejected clients.
const BusyMessage = "server busy, try again later"

var (
	ErrInvalidVersion  = errors.New("invalid VERSION field")
	ErrInvalidType     = errors.New("invalid TYPE field")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Frame is one message exchanged between client and server.
type Frame struct {
	Type    uint8
	Payload []byte
}

// TypeName returns a readable name for a frame type.
func TypeName(t uint8) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeBusy:
		return "BUSY"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}

func validType(t uint8) bool {
	return t >= TypeData && t <= TypeBusy
}

// WriteFrame encodes and writes a frame. Header and payload go out in a single
// Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if !validType(f.Type) {
		return ErrInvalidType
	}
	if len(f.Payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = Version
	buf[1] = f.Type
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads and decodes a frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return f, err
	}
	if header[0] != Version {
		return f, ErrInvalidVersion
	}

	f.Type = header[1]
	if !validType(f.Type) {
		return f, ErrInvalidType
	}

	n := binary.BigEndian.Uint16(header[2:4])
	if n > MaxPayloadLen {
		return f, ErrPayloadTooLarge
	}

	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, err
		}
	}

	return f, nil
}

// WriteData writes a DATA frame carrying msg.
func WriteData(w io.Writer, msg []byte) error {
	return WriteFrame(w, Frame{Type: TypeData, Payload: msg})
}

// WriteAck writes an ACK frame echoing msg.
func WriteAck(w io.Writer, msg []byte) error {
	return WriteFrame(w, Frame{Type: TypeAck, Payload: msg})
}

// WriteDisconnect writes an empty DISCONNECT frame.
func WriteDisconnect(w io.Writer) error {
	return WriteFrame(w, Frame{Type: TypeDisconnect})
}

// WriteBusy writes the BUSY frame.
func WriteBusy(w io.Writer) error {
	return WriteFrame(w, Frame{Type: TypeBusy, Payload: []byte(BusyMessage)})
}
