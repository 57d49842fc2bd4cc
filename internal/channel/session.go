package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/traffic-gateway/internal/codec"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/model"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned by Push on a session that is no longer open.
var ErrSessionClosed = errors.New("channel: session closed")

const (
	readChunk    = 4096
	writeTimeout = 5 * time.Second
)

// Session is one client connection on a Channel. Requests are read, handled
// and answered strictly in order by a single goroutine.
type Session struct {
	id            string
	functionality model.Functionality
	conn          net.Conn
	log           logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	writeMu sync.Mutex
}

func newSession(parent context.Context, f model.Functionality, conn net.Conn, log logging.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:            id,
		functionality: f,
		conn:          conn,
		log: log.With(
			logging.String("session_id", id),
			logging.String("remote", conn.RemoteAddr().String()),
		),
	}
	ctx := logging.ContextWithSessionID(parent, id)
	s.ctx, s.cancel = context.WithCancel(logging.ContextWithLogger(ctx, s.log))
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Functionality returns the functionality of the owning channel.
func (s *Session) Functionality() model.Functionality { return s.functionality }

// State reports the session's lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Push sends a server-initiated frame. It may be called from any goroutine.
func (s *Session) Push(resp codec.Response) error {
	if s.State() != StateOpen {
		return ErrSessionClosed
	}
	return s.write(resp)
}

func (s *Session) write(resp codec.Response) error {
	frame := codec.EncodeResponse(resp)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(frame)
	return err
}

// beginClose stops the session after its current request. A session blocked
// waiting for input is woken immediately.
func (s *Session) beginClose() {
	if s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		_ = s.conn.SetReadDeadline(time.Now())
	}
}

// close releases the connection and cancels pending work. Safe to call more
// than once.
func (s *Session) close() {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.cancel()
	_ = s.conn.Close()
}

// serve runs the read, decode, handle, write loop until the connection ends,
// a malformed frame arrives or the channel shuts down.
func (s *Session) serve(h Handler, observe func(op string, status codec.Status, d time.Duration)) {
	defer s.close()

	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		req, rest, err := codec.DecodeRequest(buf)
		switch {
		case err == nil:
			buf = append(buf[:0], rest...)
			start := time.Now()
			resp := h.Handle(s.ctx, s, req)
			resp.ID = req.ID
			resp.Kind = codec.KindReply
			if werr := s.write(resp); werr != nil {
				s.log.Debug(s.ctx, "reply write failed", logging.Err(werr))
				return
			}
			observe(req.Op, resp.Status, time.Since(start))
			if s.State() != StateOpen {
				return
			}
			continue
		case errors.Is(err, codec.ErrMalformedFrame):
			s.log.Warn(s.ctx, "malformed frame, closing session", logging.Err(err))
			_ = s.write(codec.Response{
				Kind:    codec.KindEvent,
				Status:  codec.StatusInvalidMessage,
				Message: err.Error(),
			})
			observe("MALFORMED", codec.StatusInvalidMessage, 0)
			return
		}

		if s.State() != StateOpen {
			return
		}
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.State() == StateOpen {
				s.log.Debug(s.ctx, "session read ended", logging.Err(err))
			}
			if n == 0 || !errors.Is(err, io.EOF) {
				return
			}
		}
	}
}
