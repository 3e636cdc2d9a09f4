package output

import (
	"context"
	"fmt"
	"net"
)

// UDPSink sends each record as one datagram to a collector.
type UDPSink struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
}

// NewUDPSink creates a UDP socket targeting address (host:port).
func NewUDPSink(address string) (*UDPSink, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}

	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP %s: %w", address, err)
	}

	return &UDPSink{
		conn:   conn,
		remote: remote,
	}, nil
}

func (u *UDPSink) Name() string { return "udp" }

// Write transmits the record immediately.
func (u *UDPSink) Write(rec Record) error {
	if _, err := u.conn.Write(rec.Line); err != nil {
		return fmt.Errorf("failed to send to %s: %w", u.remote, err)
	}
	return nil
}

func (u *UDPSink) Flush(context.Context) error { return nil }

// LocalAddr returns the local address the socket is bound to.
func (u *UDPSink) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Close closes the UDP connection.
func (u *UDPSink) Close() error {
	return u.conn.Close()
}
