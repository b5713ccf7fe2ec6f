package smtpkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/corvuslabs/smtpkit/dns"
)

// Dialer establishes synchronous SMTP client sessions over TCP. It is a
// convenience layer over ClientEngine: each exchange renders the command,
// then pumps HandleIO against the blocking connection until the pending
// request resolves.
type Dialer struct {
	// Config is the client engine configuration for dialed sessions.
	Config ClientConfig

	// Resolver locates mail exchangers for DialDomain.
	// Defaults to dns.NewStdResolver().
	Resolver dns.Resolver

	// ConnectTimeout bounds connection establishment. Default 30s.
	ConnectTimeout time.Duration

	// IOTimeout bounds each command/response exchange. Default 5m.
	IOTimeout time.Duration
}

// NewDialer creates a Dialer with the given client configuration.
func NewDialer(config ClientConfig) *Dialer {
	return &Dialer{
		Config:         config,
		ConnectTimeout: 30 * time.Second,
		IOTimeout:      5 * time.Minute,
	}
}

// Dial connects to an SMTP server (e.g. "mail.example.com:25") and waits
// for its greeting.
func (d *Dialer) Dial(ctx context.Context, address string) (*ClientSession, error) {
	timeout := d.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	nd := &net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	sess := &ClientSession{
		conn:      conn,
		engine:    NewClientEngine(NewTransport(conn, conn), d.Config),
		ioTimeout: d.IOTimeout,
	}

	resp, err := sess.await(sess.engine.GreetingRequest(), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	if !resp.IsSuccess() {
		conn.Close()
		return nil, resp.Err()
	}
	return sess, nil
}

// DialDomain resolves the MX records of a mail domain and connects to
// the most preferred reachable exchanger on port 25. A domain without MX
// records is treated as its own exchanger per RFC 5321 §5.1.
func (d *Dialer) DialDomain(ctx context.Context, domain string) (*ClientSession, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = dns.NewStdResolver()
	}

	var hosts []string
	result, err := resolver.LookupMX(ctx, domain)
	switch {
	case err == nil:
		for _, mx := range dns.SortMX(result.Records) {
			hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
		}
	case errors.Is(err, dns.ErrNotFound):
		hosts = []string{domain}
	default:
		return nil, fmt.Errorf("MX lookup for %s: %w", domain, err)
	}

	var lastErr error
	for _, host := range hosts {
		sess, err := d.Dial(ctx, net.JoinHostPort(host, "25"))
		if err == nil {
			return sess, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no reachable exchanger for %s: %w", domain, lastErr)
}

// ClientSession is a synchronous SMTP client session over a network
// connection.
type ClientSession struct {
	engine    *ClientEngine
	conn      net.Conn
	ioTimeout time.Duration
}

// Engine returns the underlying client engine.
func (s *ClientSession) Engine() *ClientEngine { return s.engine }

// Greeting returns the server's banner text.
func (s *ClientSession) Greeting() string { return s.engine.Greeting() }

// ServerKeywords returns the extension keywords from the EHLO reply.
func (s *ClientSession) ServerKeywords() map[string]string {
	return s.engine.ServerKeywords()
}

// await pumps the engine until req resolves, honoring the I/O timeout.
func (s *ClientSession) await(req *PendingRequest, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrSessionAborted
	}
	for !req.Resolved() {
		if s.ioTimeout > 0 {
			if err := s.conn.SetDeadline(time.Now().Add(s.ioTimeout)); err != nil {
				return nil, err
			}
		}
		if !s.engine.HandleIO() && !req.Resolved() {
			return nil, fmt.Errorf("smtp: timeout awaiting response in state %s", s.engine.State())
		}
	}
	resp, rerr := req.Result()
	if rerr != nil {
		return nil, rerr
	}
	return resp, nil
}

// Hello identifies the client, trying EHLO first and falling back to
// HELO for servers that reject it.
func (s *ClientSession) Hello() error {
	resp, err := s.await(s.engine.Ehlo())
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		return nil
	}
	resp, err = s.await(s.engine.Helo())
	if err != nil {
		return err
	}
	return resp.Err()
}

// Mail starts a transaction with the given reverse-path.
func (s *ClientSession) Mail(reversePath Path) error {
	resp, err := s.await(s.engine.MailFrom(reversePath))
	if err != nil {
		return err
	}
	return resp.Err()
}

// Rcpt adds a recipient.
func (s *ClientSession) Rcpt(forwardPath Path) error {
	resp, err := s.await(s.engine.RcptTo(forwardPath))
	if err != nil {
		return err
	}
	return resp.Err()
}

// Send transmits the message body for the current transaction and
// returns the server's verdict.
func (s *ClientSession) Send(body []byte) error {
	resp, err := s.await(s.engine.DataWith(body))
	if err != nil {
		return err
	}
	return resp.Err()
}

// SendMessage runs one complete mail transaction.
func (s *ClientSession) SendMessage(from Path, to []Path, body []byte) error {
	if err := s.Mail(from); err != nil {
		return err
	}
	accepted := 0
	var lastErr error
	for _, rcpt := range to {
		if err := s.Rcpt(rcpt); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if lastErr == nil {
			lastErr = ErrTooManyRecipents
		}
		return fmt.Errorf("all recipients rejected: %w", lastErr)
	}
	return s.Send(body)
}

// Quit ends the session gracefully and closes the connection.
func (s *ClientSession) Quit() error {
	resp, err := s.await(s.engine.Quit())
	if err != nil {
		s.conn.Close()
		return err
	}
	if err := resp.Err(); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// Close tears the connection down without QUIT.
func (s *ClientSession) Close() error {
	return s.conn.Close()
}

// QuickSend connects to address, runs one transaction and quits.
func QuickSend(ctx context.Context, address string, from Path, to []Path, body []byte, config ClientConfig) error {
	sess, err := NewDialer(config).Dial(ctx, address)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.Hello(); err != nil {
		return err
	}
	if err := sess.SendMessage(from, to, body); err != nil {
		return err
	}
	return sess.Quit()
}
