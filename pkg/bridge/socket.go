package bridge

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"tunrelay/pkg/logging"
)

// DefaultQueueCapacity bounds each direction's queue when a caller does
// not have a more specific per-flow figure (e.g. derived from the
// advertised TCP window).
const DefaultQueueCapacity = 256 * 1024

// Socket couples a host net.Conn to a transport engine via two bounded
// queues: Up carries bytes from the client toward the host socket, Down
// carries bytes from the host socket toward the client. Backpressure in
// either direction is cooperative: a full Up queue makes the engine stop
// accepting client data (closing its advertised window); a full Down
// queue stalls the reader pump, which stops reading from the host
// socket until the engine drains it.
type Socket struct {
	conn net.Conn
	Up   *Queue
	Down *Queue

	closed int32

	errMu sync.Mutex
	err   error
}

// Err returns the I/O error that caused this socket to close, if the
// close was triggered by a real read/write failure rather than a clean
// EOF or an engine-initiated shutdown. Callers use this to distinguish a
// host connection that failed (which should reset the client-side flow)
// from one that closed normally (which should FIN it).
func (s *Socket) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Socket) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// NewSocket wraps conn with bounded up/down queues and starts the pump
// goroutines that move bytes between conn and the queues.
func NewSocket(conn net.Conn, upCap, downCap int) *Socket {
	if upCap <= 0 {
		upCap = DefaultQueueCapacity
	}
	if downCap <= 0 {
		downCap = DefaultQueueCapacity
	}
	s := &Socket{
		conn: conn,
		Up:   NewQueue(upCap),
		Down: NewQueue(downCap),
	}
	go s.writer()
	go s.reader()
	return s
}

func (s *Socket) writer() {
	for {
		chunk, ok := s.Up.Pop()
		if !ok {
			return
		}
		if _, err := s.conn.Write(chunk); err != nil {
			logging.Debugf("bridge: write to host socket: %v", err)
			s.setErr(err)
			s.Close()
			return
		}
	}
}

// reader relays host socket reads onto Down until the connection reaches
// EOF or fails. A clean EOF only closes Down, letting a still-pending
// upstream write finish before the flow's own FIN close; a real read
// error closes the whole socket and records itself via setErr so pump()
// can reset the flow instead of FIN-closing it.
func (s *Socket) reader() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !s.Down.Push(chunk) {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				s.Down.Close()
			} else {
				logging.Debugf("bridge: read from host socket: %v", err)
				s.setErr(err)
				s.Close()
			}
			return
		}
	}
}

// Close tears down the socket and both queues. Safe to call more than
// once.
func (s *Socket) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.Up.Close()
	s.Down.Close()
	return s.conn.Close()
}
