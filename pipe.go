package smtpkit

import "io"

// MemoryEndpoint is one end of an in-memory duplex stream.
//
// Reads never block: an empty stream returns (0, nil) until the peer's
// write half is closed, after which it returns io.EOF. That makes the
// endpoint suitable for driving both engines from a single goroutine,
// which is how the loopback tests and event-loop integrations use it.
// Endpoints are not safe for concurrent use.
type MemoryEndpoint struct {
	rd *memStream
	wr *memStream
}

type memStream struct {
	data   []byte
	closed bool
}

// NewMemoryPipe returns two connected endpoints. Bytes written on one
// become readable on the other.
func NewMemoryPipe() (*MemoryEndpoint, *MemoryEndpoint) {
	ab := &memStream{}
	ba := &memStream{}
	return &MemoryEndpoint{rd: ba, wr: ab}, &MemoryEndpoint{rd: ab, wr: ba}
}

// Read copies buffered bytes from the peer. An empty stream returns
// (0, nil) while the peer's write half is open and io.EOF afterwards.
func (e *MemoryEndpoint) Read(p []byte) (int, error) {
	if len(e.rd.data) == 0 {
		if e.rd.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, e.rd.data)
	e.rd.data = e.rd.data[n:]
	return n, nil
}

// Write buffers bytes for the peer to read.
func (e *MemoryEndpoint) Write(p []byte) (int, error) {
	if e.wr.closed {
		return 0, io.ErrClosedPipe
	}
	e.wr.data = append(e.wr.data, p...)
	return len(p), nil
}

// CloseWrite closes the write half; the peer observes EOF once it has
// drained the buffered bytes.
func (e *MemoryEndpoint) CloseWrite() error {
	e.wr.closed = true
	return nil
}

// Close closes both halves.
func (e *MemoryEndpoint) Close() error {
	e.wr.closed = true
	e.rd.closed = true
	return nil
}

// Buffered returns the number of bytes the peer has written but this
// endpoint has not yet read.
func (e *MemoryEndpoint) Buffered() int { return len(e.rd.data) }
