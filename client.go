package smtpkit

import (
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/corvuslabs/smtpkit/utils"
)

// PendingRequest tracks one sent command until its response arrives.
//
// The engine owns the queue entry; callers hold the returned handle and
// either poll Resolved or select on Done. Responses are correlated to
// requests purely by queue position — SMTP replies carry no identifiers.
type PendingRequest struct {
	cmd      *Command
	resp     *Response
	err      error
	resolved bool
	done     chan struct{}

	// body is a preloaded DATA payload, streamed when the server
	// answers 354.
	body []byte
}

func newPendingRequest(cmd *Command) *PendingRequest {
	return &PendingRequest{cmd: cmd, done: make(chan struct{})}
}

// Command returns the sent command, or nil for the greeting sentinel.
func (p *PendingRequest) Command() *Command { return p.cmd }

// Resolved reports whether a response or failure has been recorded.
func (p *PendingRequest) Resolved() bool { return p.resolved }

// Done returns a channel closed once the request resolves.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Result returns the server's response, or the failure that ended the
// request. Both are nil while the request is unresolved.
func (p *PendingRequest) Result() (*Response, error) {
	return p.resp, p.err
}

func (p *PendingRequest) resolve(resp *Response, err error) {
	if p.resolved {
		return
	}
	p.resp = resp
	p.err = err
	p.resolved = true
	close(p.done)
}

// ClientEngine drives the client half of one SMTP session over a
// Transport. Command methods render bytes into the output buffer and
// enqueue a PendingRequest; HandleIO moves bytes and resolves requests
// in FIFO order as responses arrive.
//
// Engines are single-threaded; an engine instance must not be shared
// across goroutines.
type ClientEngine struct {
	config    ClientConfig
	transport *Transport
	logger    *slog.Logger

	state     State
	sessionID string
	queue     []*PendingRequest
	encoder   DataEncoder

	greeting       string
	serverHelo     string
	serverKeywords map[string]string
}

// NewClientEngine creates a client engine over the given transport. The
// queue starts with a sentinel entry that accepts the server's 220
// greeting. The configured domain is normalized to its IDNA ASCII form.
func NewClientEngine(t *Transport, config ClientConfig) *ClientEngine {
	config.ApplyDefaults()
	config.Domain = utils.NormalizeDomain(config.Domain)
	id := ulid.Make().String()
	c := &ClientEngine{
		config:    config,
		transport: t,
		logger:    config.Logger.With(slog.String("session_id", id)),
		state:     StateConnect,
		sessionID: id,
	}
	c.queue = []*PendingRequest{newPendingRequest(nil)}
	config.Metrics.addSession("client")
	return c
}

// State returns the current session state.
func (c *ClientEngine) State() State { return c.state }

// SessionID returns the engine's ULID session identifier.
func (c *ClientEngine) SessionID() string { return c.sessionID }

// Transport returns the engine's transport.
func (c *ClientEngine) Transport() *Transport { return c.transport }

// Greeting returns the server's banner text, once received.
func (c *ClientEngine) Greeting() string { return c.greeting }

// GreetingRequest returns the sentinel entry resolved by the server's
// initial greeting.
func (c *ClientEngine) GreetingRequest() *PendingRequest {
	if len(c.queue) > 0 && c.queue[0].cmd == nil {
		return c.queue[0]
	}
	return nil
}

// ServerHelo returns the first line of the server's HELO/EHLO reply.
func (c *ClientEngine) ServerHelo() string { return c.serverHelo }

// ServerKeywords returns the extension keywords from the last EHLO
// reply, keyed by upper-cased keyword.
func (c *ClientEngine) ServerKeywords() map[string]string { return c.serverKeywords }

// Helo issues a HELO command.
func (c *ClientEngine) Helo() (*PendingRequest, error) {
	return c.command(HeloCommand(c.config.Domain), nil)
}

// Ehlo issues an EHLO command.
func (c *ClientEngine) Ehlo() (*PendingRequest, error) {
	return c.command(EhloCommand(c.config.Domain), nil)
}

// MailFrom issues a MAIL command with the given reverse-path.
func (c *ClientEngine) MailFrom(reversePath Path) (*PendingRequest, error) {
	return c.command(MailCommand(reversePath), nil)
}

// RcptTo issues a RCPT command with the given forward-path.
func (c *ClientEngine) RcptTo(forwardPath Path) (*PendingRequest, error) {
	return c.command(RcptCommand(forwardPath), nil)
}

// Data issues a bare DATA command. The request resolves with the 354
// reply; the caller then streams the body with WriteData and EndData.
func (c *ClientEngine) Data() (*PendingRequest, error) {
	return c.command(DataCommand(), nil)
}

// DataWith issues a DATA command carrying a preloaded body. When the
// server answers 354 the body is stuffed onto the wire followed by the
// terminator, and the request resolves with the server's final reply.
func (c *ClientEngine) DataWith(body []byte) (*PendingRequest, error) {
	return c.command(DataCommand(), body)
}

// Rset issues a RSET command.
func (c *ClientEngine) Rset() (*PendingRequest, error) {
	return c.command(RsetCommand(), nil)
}

// Noop issues a NOOP command.
func (c *ClientEngine) Noop() (*PendingRequest, error) {
	return c.command(NoopCommand(), nil)
}

// Quit issues a QUIT command. Once the server's 221 arrives the engine
// closes its own write half.
func (c *ClientEngine) Quit() (*PendingRequest, error) {
	return c.command(QuitCommand(), nil)
}

func (c *ClientEngine) command(cmd *Command, body []byte) (*PendingRequest, error) {
	if !cmd.LegalIn(c.state) {
		return nil, &ProgrammerError{Op: string(cmd.Verb), State: c.state}
	}
	c.transport.Out().Append(AppendCommand(nil, cmd))
	req := newPendingRequest(cmd)
	req.body = body
	c.queue = append(c.queue, req)
	c.config.Metrics.addCommand(cmd.Verb)
	c.logger.Debug("sent command", slog.String("verb", string(cmd.Verb)))
	c.HandleIO()
	return req, nil
}

// WriteData feeds a chunk of message body through the dot-stuffing
// encoder. Chunks may be fragmented arbitrarily; line terminators are
// normalized and leading dots stuffed regardless of boundaries. Only
// legal while the session is in the data state.
func (c *ClientEngine) WriteData(p []byte) error {
	if c.state != StateData {
		return &ProgrammerError{Op: "WriteData", State: c.state}
	}
	c.encoder.Encode(c.transport.Out(), p)
	return nil
}

// EndData terminates the message body and queues a request for the
// server's final verdict. The body must have ended on a line boundary.
func (c *ClientEngine) EndData() (*PendingRequest, error) {
	if c.state != StateData {
		return nil, &ProgrammerError{Op: "EndData", State: c.state}
	}
	if err := c.encoder.Finish(c.transport.Out()); err != nil {
		return nil, err
	}
	c.state = StateDataComplete
	req := newPendingRequest(DataCommand())
	c.queue = append(c.queue, req)
	c.HandleIO()
	return req, nil
}

// HandleIO advances the session as far as the buffered bytes allow and
// returns whether any forward progress was made.
func (c *ClientEngine) HandleIO() bool {
	progress := false

	if n := c.transport.Flush(false); n > 0 {
		c.config.Metrics.addBytesOut(n)
		progress = true
	}

	if len(c.queue) > 0 {
		if n := c.transport.Fetch(0); n > 0 {
			c.config.Metrics.addBytesIn(n)
			progress = true
		}
		for len(c.queue) > 0 {
			resp, perr := ParseResponse(c.transport.In(), c.config.LineLengthLimit)
			if perr != nil {
				c.logger.Warn("response parse error",
					slog.Int("code", perr.Code),
					slog.String("message", perr.Message),
				)
				head := c.popHead()
				head.resolve(nil, perr)
				c.state = StateAbort
				progress = true
				break
			}
			if resp == nil {
				if in := c.transport.In(); in.Final() != FinalityOpen && len(in.Unread()) > 0 {
					// The stream ended inside a reply; it can never complete.
					head := c.popHead()
					head.resolve(nil, parseErrorf(CodeCommandUnrecognized, "Incomplete response at end of stream"))
					c.state = StateAbort
					progress = true
				}
				break
			}
			progress = true
			c.config.Metrics.addResponse(resp.Code)
			head := c.popHead()
			if c.updateStateAfterResponse(head, resp) {
				// Re-queued DATA entry: the final verdict is still to come.
				continue
			}
			head.resolve(resp, nil)
		}
	}

	in := c.transport.In()
	if in.Final() != FinalityOpen && len(in.Unread()) == 0 {
		if c.state != StateQuit && c.state != StateAbort {
			c.logger.Info("connection ended unexpectedly", slog.String("state", c.state.String()))
			c.state = StateAbort
			progress = true
		}
		c.failAll(ErrUnexpectedClose)
	}
	if c.state == StateAbort {
		c.failAll(ErrSessionAborted)
	}

	return progress
}

// updateStateAfterResponse applies the client-side transition table and
// reports whether the entry was re-queued (preloaded DATA awaiting its
// final reply).
func (c *ClientEngine) updateStateAfterResponse(head *PendingRequest, resp *Response) bool {
	if resp.Code == CodeServiceUnavailable {
		// Server requested shutdown.
		c.state = StateQuit
		return false
	}

	if head.cmd == nil {
		switch resp.Code {
		case CodeServiceReady:
			c.state = StateHandshake
			c.greeting = resp.Text()
			c.logger.Debug("greeting received", slog.String("greeting", c.greeting))
		case CodeTransactionFailed:
			c.state = StateReject
			c.greeting = resp.Text()
		default:
			c.state = StateAbort
		}
		return false
	}

	switch head.cmd.Verb {
	case VerbHELO, VerbEHLO:
		if resp.IsSuccess() {
			c.serverHelo = resp.Lines[0]
			if head.cmd.Verb == VerbEHLO {
				c.parseServerKeywords(resp.Lines)
			}
			c.state = StateReady
		}
	case VerbMAIL:
		if resp.IsSuccess() {
			c.state = StateMail
		}
	case VerbDATA:
		switch {
		case c.state == StateMail && resp.Code == CodeStartMailInput:
			c.state = StateData
			c.encoder.Reset()
			if head.body != nil {
				c.queue = append([]*PendingRequest{head}, c.queue...)
				c.streamPreloadedBody(head.body)
				return true
			}
		case c.state == StateDataComplete:
			c.state = StateReady
		}
	case VerbRSET:
		if resp.IsSuccess() && c.serverHelo != "" {
			c.state = StateReady
		}
	case VerbQUIT:
		if resp.Code == CodeServiceClosing {
			c.state = StateQuit
			if n := c.transport.Flush(true); n > 0 {
				c.config.Metrics.addBytesOut(n)
			}
		}
	}
	return false
}

// streamPreloadedBody stuffs the whole body onto the wire followed by
// the terminator. A body that does not end on a line boundary gets one.
func (c *ClientEngine) streamPreloadedBody(body []byte) {
	c.encoder.Encode(c.transport.Out(), body)
	if !c.encoder.AtLineStart() {
		c.encoder.Encode(c.transport.Out(), []byte("\n"))
	}
	_ = c.encoder.Finish(c.transport.Out())
	c.state = StateDataComplete
	if n := c.transport.Flush(false); n > 0 {
		c.config.Metrics.addBytesOut(n)
	}
}

func (c *ClientEngine) popHead() *PendingRequest {
	head := c.queue[0]
	c.queue = c.queue[1:]
	return head
}

// failAll resolves every outstanding request with err.
func (c *ClientEngine) failAll(err error) {
	for _, req := range c.queue {
		req.resolve(nil, err)
	}
	c.queue = nil
}

func (c *ClientEngine) parseServerKeywords(lines []string) {
	c.serverKeywords = make(map[string]string)
	for _, line := range lines[1:] {
		name, params, _ := strings.Cut(line, " ")
		c.serverKeywords[strings.ToUpper(name)] = params
	}
}
