package smtpkit

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

// Transaction carries one MAIL…DATA envelope plus its body sink.
//
// It is created when MAIL is accepted and destroyed on RSET, QUIT,
// session abort, or once the end-of-data handler has run. The session
// identity fields are snapshots taken at MAIL time.
type Transaction struct {
	// ID is a ULID assigned at creation, usable as a queue or spool key.
	ID string `json:"id"`

	// Session identity at MAIL time.
	ServerHelo         string              `json:"server_helo,omitempty"`
	ServerEhloKeywords map[string][]string `json:"server_ehlo_keywords,omitempty"`
	ClientHelo         string              `json:"client_helo,omitempty"`
	ServerDomain       string              `json:"server_domain,omitempty"`
	ServerAddress      string              `json:"server_address,omitempty"`
	ClientDomain       string              `json:"client_domain,omitempty"`
	ClientAddress      string              `json:"client_address,omitempty"`

	// ReversePath is the MAIL FROM path.
	ReversePath Path `json:"reverse_path"`

	// ForwardPaths are the RCPT TO paths in the order they were accepted.
	ForwardPaths []Path `json:"forward_paths,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Body receives the decoded message data.
	Body BodySink `json:"-"`
}

// NewTransaction creates a transaction with a fresh ULID and the given
// body sink. A nil sink gets an unbounded in-memory spool.
func NewTransaction(reversePath Path, body BodySink) *Transaction {
	if body == nil {
		body = NewSpool(0)
	}
	return &Transaction{
		ID:          ulid.Make().String(),
		ReversePath: reversePath,
		CreatedAt:   time.Now(),
		Body:        body,
	}
}

// AddForwardPath appends an accepted recipient.
func (t *Transaction) AddForwardPath(p Path) {
	t.ForwardPaths = append(t.ForwardPaths, p)
}

// RecipientCount returns the number of accepted forward-paths.
func (t *Transaction) RecipientCount() int { return len(t.ForwardPaths) }

// Discard releases the body sink's resources. Safe on a nil transaction.
func (t *Transaction) Discard() {
	if t == nil || t.Body == nil {
		return
	}
	_ = t.Body.Discard()
}

// BodySink is an append-only destination for decoded message data.
type BodySink interface {
	io.Writer

	// Size returns the number of bytes written so far.
	Size() int64

	// Open returns a reader over everything written. The sink must not
	// be written to while the reader is in use.
	Open() (io.ReadCloser, error)

	// Discard releases any resources held by the sink.
	Discard() error
}

// Spool is the default BodySink: it accumulates in memory and spills to
// a temporary file once the body exceeds a threshold.
type Spool struct {
	threshold int
	buf       bytes.Buffer
	file      *os.File
	size      int64
}

// NewSpool creates a spool that spills to disk past threshold bytes.
// A threshold of 0 keeps everything in memory.
func NewSpool(threshold int) *Spool {
	return &Spool{threshold: threshold}
}

// Write appends decoded body bytes, spilling to a temporary file when
// the in-memory threshold is crossed.
func (s *Spool) Write(p []byte) (int, error) {
	if s.file == nil && s.threshold > 0 && s.buf.Len()+len(p) > s.threshold {
		f, err := os.CreateTemp("", "smtpkit-spool-*")
		if err != nil {
			return 0, err
		}
		if _, err := f.Write(s.buf.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, err
		}
		s.buf.Reset()
		s.file = f
	}
	if s.file != nil {
		n, err := s.file.Write(p)
		s.size += int64(n)
		return n, err
	}
	n, err := s.buf.Write(p)
	s.size += int64(n)
	return n, err
}

// Size returns the number of bytes written.
func (s *Spool) Size() int64 { return s.size }

// Spilled reports whether the body has been moved to disk.
func (s *Spool) Spilled() bool { return s.file != nil }

// Open returns a reader positioned at the start of the body.
func (s *Spool) Open() (io.ReadCloser, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return io.NopCloser(s.file), nil
	}
	return io.NopCloser(bytes.NewReader(s.buf.Bytes())), nil
}

// Bytes reads the whole body back into memory.
func (s *Spool) Bytes() ([]byte, error) {
	r, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Discard drops the body, removing the temporary file if one was
// created.
func (s *Spool) Discard() error {
	s.buf.Reset()
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	s.file = nil
	return err
}
