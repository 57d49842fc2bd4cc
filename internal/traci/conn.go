package traci

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageSize bounds a single reply read from the engine.
const MaxMessageSize = 64 << 20

// Conn is a client connection to the engine's control port.
type Conn struct {
	nc net.Conn
}

// Dial connects to the control port at addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return &Conn{nc: nc}, nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn { return &Conn{nc: nc} }

// Exchange sends cmds as one message and returns the reply body. The whole
// round trip must finish before deadline.
func (c *Conn) Exchange(deadline time.Time, cmds ...Command) ([]byte, error) {
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := c.nc.Write(EncodeMessage(cmds...)); err != nil {
		return nil, err
	}
	return ReadMessage(c.nc)
}

// Close closes the socket without sending CmdClose.
func (c *Conn) Close() error { return c.nc.Close() }

// ReadMessage reads one length-prefixed message and returns its body.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size < 4 || size > MaxMessageSize {
		return nil, fmt.Errorf("%w: message length %d", ErrMalformed, size)
	}
	body := make([]byte, size-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
