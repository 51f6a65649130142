package common

import (
	"net"
	"time"
)

func SetReadDeadline(conn net.Conn, timeout time.Duration) error {
	return conn.SetReadDeadline(time.Now().Add(timeout))
}

func SetWriteDeadline(conn net.Conn, timeout time.Duration) error {
	return conn.SetWriteDeadline(time.Now().Add(timeout))
}

func ClearDeadline(conn net.Conn) error {
	return conn.SetDeadline(time.Time{})
}
