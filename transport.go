package smtpkit

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// CloseWriter is implemented by sinks that support a write-half-close,
// notably *net.TCPConn and *tls.Conn.
type CloseWriter interface {
	CloseWrite() error
}

// Transport binds a pair of Buffers to a byte source and sink.
//
// The protocol engines never touch the source or sink directly: parsers
// read from In, renderers append to Out, and the surrounding driver calls
// Fetch and Flush to move bytes. Any io.Reader/io.Writer pair works — a
// net.Conn, a tls.Conn, or the in-memory pipe from NewMemoryPipe — which
// is what makes the engines transport-agnostic.
type Transport struct {
	in, out Buffer
	src     io.Reader
	dst     io.Writer

	// pendingEOF is set when Flush was asked to end the stream but the
	// output buffer had not drained yet.
	pendingEOF bool
}

// DefaultFetchHint is the read size used when Fetch is called with hint 0.
const DefaultFetchHint = 64 * 1024

// NewTransport creates a Transport over the given source and sink.
// Pass the same value for both when it is a duplex connection.
func NewTransport(src io.Reader, dst io.Writer) *Transport {
	return &Transport{src: src, dst: dst}
}

// In returns the input buffer, for parsers.
func (t *Transport) In() *Buffer { return &t.in }

// Out returns the output buffer, for renderers.
func (t *Transport) Out() *Buffer { return &t.out }

// InputFinal reports the terminal flag of the read half.
func (t *Transport) InputFinal() Finality { return t.in.Final() }

// OutputFinal reports the terminal flag of the write half.
func (t *Transport) OutputFinal() Finality { return t.out.Final() }

// Fetch reads up to hint bytes from the source into the input buffer and
// returns the number of bytes appended.
//
// A clean end of stream marks the input buffer EOF. Transient conditions
// (would-block, interrupted, deadline) return 0 without touching the
// terminal flag, so Fetch is idempotent until the source has bytes again.
// Any other error marks the input buffer failed.
func (t *Transport) Fetch(hint int) int {
	if t.in.Final() != FinalityOpen {
		return 0
	}
	if hint <= 0 {
		hint = DefaultFetchHint
	}
	p := t.in.grow(hint)
	n, err := t.src.Read(p)
	t.in.truncate(hint - n)
	if err != nil {
		switch {
		case err == io.EOF:
			t.in.MarkEOF()
		case isTransientIOError(err):
			// Leave the buffer open; the caller retries later.
		default:
			t.in.Fail(err)
		}
	}
	return n
}

// Flush writes pending output to the sink, dropping written bytes from
// the output buffer, and returns the number of bytes written.
//
// When eof is true the write half is shut down once the buffer drains:
// CloseWrite is attempted if the sink supports it (errors ignored — the
// sink may not be a socket) and the output buffer is marked EOF. If bytes
// remain after a short write, the shutdown is deferred to the next Flush
// that drains.
func (t *Transport) Flush(eof bool) int {
	if eof {
		t.pendingEOF = true
	}
	if t.out.Final() != FinalityOpen {
		return 0
	}
	written := 0
	pending := t.out.Unread()
	if len(pending) > 0 {
		n, err := t.dst.Write(pending)
		written = n
		t.out.Advance(n)
		if err != nil && !isTransientIOError(err) {
			t.out.Fail(err)
			return written
		}
	}
	if t.pendingEOF && len(t.out.Unread()) == 0 {
		if cw, ok := t.dst.(CloseWriter); ok {
			_ = cw.CloseWrite()
		}
		t.out.MarkEOF()
	}
	return written
}

// isTransientIOError reports whether an I/O error should be retried
// rather than treated as fatal.
func isTransientIOError(err error) bool {
	if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}
