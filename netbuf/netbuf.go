// Package netbuf implements the per-socket receive/send buffer table (spec
// §3 "Per-socket buffer", §4.1): length-prefixed framing over a raw byte
// stream. The send buffer has a high-water cap; the receive buffer has none
// and holds at most one incomplete frame plus the bytes of the current read.
//
// Grounded on xtaci-kcptun/generic/copy.go's shared scratch-buffer-plus-mutex
// shape, and on original_source/src/remoted/secure.c's netbuffer_recv /
// netbuffer_send framing contract (4-byte length prefix, oversize-frame
// rejection).
package netbuf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"sync"
)

// headerSize is the width of the little-endian frame-length prefix.
const headerSize = 4

// ErrOversizeFrame is returned by Recv when a frame header declares a
// payload larger than the configured maximum (spec §4.1: "-2" sentinel,
// treated as a protocol violation).
var ErrOversizeFrame = errors.New("netbuf: frame exceeds maximum size")

// ErrUnknownFD is returned when an operation targets an fd with no open
// slot.
var ErrUnknownFD = errors.New("netbuf: unknown fd")

// Conn is the minimal socket surface netbuf needs: byte-oriented,
// non-blocking reads/writes that report io.EOF and net.Error-shaped
// transient errors the way a net.Conn over a non-blocking fd does.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Table owns every open per-fd slot. One Table is shared by the event loop
// (receive side, single-writer) and the sender pool (send side,
// single-writer); metadata reads cross goroutines under mu.
type Table struct {
	maxFrame  int
	highWater int

	mu   sync.Mutex
	fds  map[int]*slot
}

type slot struct {
	conn Conn
	peer netip.AddrPort

	recv bytes.Buffer
	send bytes.Buffer

	// writeInterest is true whenever the send buffer last transitioned
	// from empty to non-empty, i.e. C2 write-readiness is currently
	// registered for this fd (spec §4.1 backpressure edge).
	writeInterest bool
}

// New creates a Table. maxFrame bounds a single frame's payload length;
// highWater bounds how many undelivered bytes the send buffer may hold
// before PushSend starts dropping (spec §4.1); it does not apply to the
// receive buffer.
func New(maxFrame, highWater int) *Table {
	if maxFrame <= 0 {
		maxFrame = 64 * 1024
	}
	if highWater <= 0 {
		highWater = 1 << 20
	}
	return &Table{
		maxFrame:  maxFrame,
		highWater: highWater,
		fds:       make(map[int]*slot),
	}
}

// Open allocates a slot for fd, capturing peer as its last-known socket
// address (spec §4.1 "open").
func (t *Table) Open(fd int, conn Conn, peer netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fds[fd] = &slot{conn: conn, peer: peer}
}

// Close releases fd's slot and any buffered bytes (spec §4.1 "close").
func (t *Table) Close(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fds, fd)
}

// Has reports whether fd currently has an open slot.
func (t *Table) Has(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.fds[fd]
	return ok
}

// Len reports the number of open slots, satisfying P5 (tcp_active gauge
// equals the receive-buffer table's size).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fds)
}

// Peer returns fd's captured peer address.
func (t *Table) Peer(fd int) (netip.AddrPort, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.fds[fd]
	if !ok {
		return netip.AddrPort{}, false
	}
	return s.peer, true
}

// Frame is one complete length-prefixed payload extracted from a socket's
// receive buffer.
type Frame struct {
	FD      int
	Peer    netip.AddrPort
	Payload []byte
}

// Recv reads once from fd's socket into the receive buffer, then extracts
// zero or more complete frames, appending each to out (spec §4.1 "recv").
// It returns the number of bytes read from the socket this call. A read of
// 0 bytes with a nil error signals an orderly peer close; io.EOF is
// returned identically. ErrOversizeFrame is returned the instant a frame
// header declares a payload above maxFrame, independent of how many bytes
// were read.
func (t *Table) Recv(fd int, scratch []byte, out *[]Frame) (int, error) {
	t.mu.Lock()
	s, ok := t.fds[fd]
	t.mu.Unlock()
	if !ok {
		return 0, ErrUnknownFD
	}

	n, err := s.conn.Read(scratch)
	if n > 0 {
		s.recv.Write(scratch[:n])
	}
	if extractErr := t.extractFrames(fd, s, out); extractErr != nil {
		return n, extractErr
	}
	if err != nil {
		if err == io.EOF {
			return n, io.EOF
		}
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (t *Table) extractFrames(fd int, s *slot, out *[]Frame) error {
	for {
		buffered := s.recv.Bytes()
		if len(buffered) < headerSize {
			return nil
		}
		size := int(binary.LittleEndian.Uint32(buffered[:headerSize]))
		if size > t.maxFrame {
			return ErrOversizeFrame
		}
		if len(buffered) < headerSize+size {
			return nil
		}
		payload := make([]byte, size)
		copy(payload, buffered[headerSize:headerSize+size])
		s.recv.Next(headerSize + size)
		*out = append(*out, Frame{FD: fd, Peer: s.peer, Payload: payload})
	}
}

// PushSend appends a length-prefixed frame to fd's send buffer (spec §4.1
// "push_send"). If the buffer is already at the high-water mark, the frame
// is dropped and ok is false so the caller can log an operator-visible
// warning; dropping never blocks the caller beyond the mutex.
func (t *Table) PushSend(fd int, msg []byte) (becameNonEmpty bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, found := t.fds[fd]
	if !found {
		return false, false
	}
	if s.send.Len() >= t.highWater {
		return false, false
	}

	wasEmpty := s.send.Len() == 0
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header, uint32(len(msg)))
	s.send.Write(header)
	s.send.Write(msg)

	if wasEmpty && !s.writeInterest {
		s.writeInterest = true
		return true, true
	}
	return false, true
}

// Send emits as many buffered send bytes as fd's socket currently accepts
// (spec §4.1 "send"). It returns the number of bytes written and reports
// via becameEmpty whether the send buffer just transitioned to empty, so
// the caller can deregister write interest with C2.
func (t *Table) Send(fd int) (written int, becameEmpty bool, err error) {
	t.mu.Lock()
	s, ok := t.fds[fd]
	t.mu.Unlock()
	if !ok {
		return 0, false, ErrUnknownFD
	}

	pending := s.send.Bytes()
	if len(pending) == 0 {
		return 0, false, nil
	}

	n, werr := s.conn.Write(pending)
	if n > 0 {
		s.send.Next(n)
	}
	if s.send.Len() == 0 && s.writeInterest {
		s.writeInterest = false
		becameEmpty = true
	}
	return n, becameEmpty, werr
}
