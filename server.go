package smtpkit

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/oklog/ulid/v2"
)

// ServerEngine drives the server half of one SMTP session over a
// Transport. It performs no I/O of its own beyond the transport's Fetch
// and Flush: the surrounding driver calls HandleIO whenever bytes may
// have arrived and tears the connection down once State is terminal.
//
// Engines are single-threaded; an engine instance must not be shared
// across goroutines.
type ServerEngine struct {
	config    ServerConfig
	table     map[Verb]*verbSpec
	transport *Transport
	logger    *slog.Logger

	state      State
	sessionID  string
	clientHelo string
	ehlo       bool

	txn      *Transaction
	decoder  *DataDecoder
	dataSize int64
	oversize bool

	lastParseError *ParseError
}

// NewServerEngine creates a server engine over the given transport.
func NewServerEngine(t *Transport, config ServerConfig) *ServerEngine {
	config.ApplyDefaults()
	id := ulid.Make().String()
	return &ServerEngine{
		config:    config,
		table:     commandTable(config.DisabledVerbs),
		transport: t,
		logger:    config.Logger.With(slog.String("session_id", id)),
		state:     StateConnect,
		sessionID: id,
	}
}

// State returns the current session state.
func (s *ServerEngine) State() State { return s.state }

// SessionID returns the engine's ULID session identifier.
func (s *ServerEngine) SessionID() string { return s.sessionID }

// Transport returns the engine's transport.
func (s *ServerEngine) Transport() *Transport { return s.transport }

// ClientHelo returns the name the client announced, or "".
func (s *ServerEngine) ClientHelo() string { return s.clientHelo }

// Transaction returns the in-progress transaction, or nil.
func (s *ServerEngine) Transaction() *Transaction { return s.txn }

// LastParseError returns the most recent grammar error, or nil.
func (s *ServerEngine) LastParseError() *ParseError { return s.lastParseError }

func (s *ServerEngine) callbacks() *Callbacks {
	if s.config.Callbacks == nil {
		return &Callbacks{}
	}
	return s.config.Callbacks
}

// HandleIO advances the session as far as the buffered bytes allow and
// returns whether any forward progress was made. Call it again whenever
// the transport's source may have new bytes; once State is terminal the
// driver should close the underlying connection.
func (s *ServerEngine) HandleIO() bool {
	progress := false

	if s.state == StateConnect {
		s.emitGreeting()
		progress = true
	}

	if n := s.transport.Fetch(0); n > 0 {
		s.config.Metrics.addBytesIn(n)
		progress = true
	}

	for !s.state.IsTerminal() {
		if s.state == StateData {
			if s.pumpData() {
				progress = true
				continue
			}
			break
		}

		cmd, warnings, perr := parseCommand(s.transport.In(), s.table, s.config.LineLengthLimit)
		for _, w := range warnings {
			s.logger.Debug("command warning", slog.String("warning", w))
		}
		if perr != nil {
			progress = true
			if s.handleParseError(perr) {
				break
			}
			continue
		}
		if cmd == nil {
			break
		}
		progress = true
		s.dispatch(cmd)
	}

	if s.transport.In().Final() != FinalityOpen && !s.state.IsTerminal() {
		s.abort()
		if s.transport.In().Final() == FinalityError {
			s.logger.Error("transport failed", slog.Any("error", s.transport.In().Err()))
		} else {
			s.sendResponse(NewResponse(CodeBadSequence, "Unexpected EOF, terminating connection"))
		}
		progress = true
	}

	return progress
}

func (s *ServerEngine) emitGreeting() {
	s.config.Metrics.addSession("server")
	if cb := s.callbacks().OnConnect; cb != nil {
		if err := cb(s); err != nil {
			s.state = StateReject
			s.sendResponse(NewResponse(CodeTransactionFailed, err.Error()))
			s.logger.Info("session rejected", slog.Any("reason", err))
			return
		}
	}
	s.state = StateHandshake
	s.sendResponse(NewResponse(CodeServiceReady, s.config.Greeting))
	s.logger.Info("session started", slog.String("domain", s.config.Domain))
}

// handleParseError replies to a grammar error and reports whether the
// session is beyond resynchronization (no line boundary to skip to).
func (s *ServerEngine) handleParseError(perr *ParseError) bool {
	s.lastParseError = perr
	s.logger.Warn("command parse error",
		slog.Int("code", perr.Code),
		slog.String("message", perr.Message),
	)
	in := s.transport.In()
	fatal := bytes.IndexByte(in.Unread(), '\n') < 0 &&
		s.config.LineLengthLimit > 0 && len(in.Unread()) > s.config.LineLengthLimit
	if fatal {
		s.abort()
	}
	s.sendResponse(NewResponse(perr.Code, perr.Message))
	return fatal
}

func (s *ServerEngine) dispatch(cmd *Command) {
	s.config.Metrics.addCommand(cmd.Verb)
	s.logger.Debug("received command",
		slog.String("verb", string(cmd.Verb)),
		slog.String("state", s.state.String()),
	)

	if !cmd.spec.states.has(s.state) {
		s.sendResponse(NewResponse(CodeBadSequence, "Bad sequence of commands"))
		return
	}

	switch cmd.Verb {
	case VerbHELO:
		s.handleHandshake(cmd, false)
	case VerbEHLO:
		s.handleHandshake(cmd, true)
	case VerbMAIL:
		s.handleMail(cmd)
	case VerbRCPT:
		s.handleRcpt(cmd)
	case VerbDATA:
		s.handleData(cmd)
	case VerbRSET:
		s.handleRset(cmd)
	case VerbNOOP:
		s.sendResponse(NewResponse(CodeOK, "OK"))
	case VerbQUIT:
		s.handleQuit(cmd)
	}
}

func (s *ServerEngine) handleHandshake(cmd *Command, ehlo bool) {
	s.clientHelo = cmd.Domain
	s.ehlo = ehlo
	s.dropTransaction()
	if cb := s.callbacks().OnHandshake; cb != nil {
		cb(s, cmd.Verb, cmd.Domain)
	}
	s.state = StateReady

	if !ehlo {
		s.sendResponse(NewResponse(CodeOK, s.config.Helo))
		return
	}
	lines := []string{s.config.Helo}
	for _, kw := range s.config.sortedKeywords() {
		lines = append(lines, s.config.RenderKeyword(kw, s.config.EhloKeywords[kw]))
	}
	s.sendResponse(&Response{Code: CodeOK, Lines: lines})
}

func (s *ServerEngine) handleMail(cmd *Command) {
	if cb := s.callbacks().OnMailFrom; cb != nil {
		if err := cb(s, cmd.Path); err != nil {
			s.sendResponse(NewResponse(CodeMailboxUnavailable, err.Error()))
			return
		}
	}

	txn := NewTransaction(cmd.Path, NewSpool(s.config.SpillThreshold))
	txn.ServerHelo = s.config.Helo
	if s.ehlo {
		txn.ServerEhloKeywords = s.config.EhloKeywords
	}
	txn.ClientHelo = s.clientHelo
	txn.ServerDomain = s.config.Domain
	txn.ServerAddress = s.config.Address
	txn.ClientDomain = s.config.ClientDomain
	txn.ClientAddress = s.config.ClientAddress
	s.txn = txn

	s.state = StateMail
	s.logger.Info("mail from accepted", slog.String("reverse_path", cmd.Path.String()))
	s.sendResponse(NewResponse(CodeOK, "OK"))
}

func (s *ServerEngine) handleRcpt(cmd *Command) {
	if s.config.RecipientLimit > 0 && s.txn.RecipientCount() >= s.config.RecipientLimit {
		s.sendResponse(NewResponse(CodeInsufficientStorage, "Too many recipients"))
		return
	}
	if cb := s.callbacks().OnRcptTo; cb != nil {
		if err := cb(s, cmd.Path); err != nil {
			s.sendResponse(NewResponse(CodeMailboxUnavailable, err.Error()))
			return
		}
	}
	s.txn.AddForwardPath(cmd.Path)
	s.logger.Info("recipient accepted", slog.String("forward_path", cmd.Path.String()))
	s.sendResponse(NewResponse(CodeOK, "OK"))
}

func (s *ServerEngine) handleData(cmd *Command) {
	if s.txn == nil || s.txn.RecipientCount() == 0 {
		s.sendResponse(NewResponse(CodeTransactionFailed, "No valid recipients"))
		return
	}
	s.decoder = &DataDecoder{}
	s.dataSize = 0
	s.oversize = false
	// The 354 reply itself moves the session into data mode.
	s.sendResponse(NewResponse(CodeStartMailInput, "Start mail input; end with <CRLF>.<CRLF>"))
}

func (s *ServerEngine) handleRset(cmd *Command) {
	s.dropTransaction()
	if s.clientHelo != "" {
		s.state = StateReady
	}
	s.sendResponse(NewResponse(CodeOK, "OK"))
}

func (s *ServerEngine) handleQuit(cmd *Command) {
	s.dropTransaction()
	s.state = StateQuit
	s.logger.Info("session closing")
	s.sendResponse(NewResponse(CodeServiceClosing, "Goodbye"))
}

// pumpData feeds buffered input through the DATA decoder. Returns true
// when the decoder made progress (bytes delivered or terminator seen).
func (s *ServerEngine) pumpData() bool {
	sink := io.Discard
	if !s.oversize && s.txn != nil {
		sink = s.txn.Body
	}
	done, n, err := s.decoder.Decode(s.transport.In(), sink)
	s.dataSize += n
	if s.config.MessageSizeLimit > 0 && s.dataSize > s.config.MessageSizeLimit {
		s.oversize = true
	}
	if err != nil {
		s.logger.Error("body spool error", slog.Any("error", err))
		s.dropTransaction()
		s.decoder = nil
		s.state = StateReady
		s.sendResponse(NewResponse(CodeLocalError, "Error spooling message data"))
		return true
	}
	if done {
		s.state = StateDataComplete
		s.finishData()
		return true
	}
	return n > 0
}

// finishData runs the end-of-data handler and returns the session to
// the ready state.
func (s *ServerEngine) finishData() {
	txn := s.txn
	s.txn = nil
	s.decoder = nil

	var resp *Response
	accepted := false
	switch {
	case s.oversize:
		resp = NewResponse(CodeExceededStorage, "Message exceeds fixed maximum message size")
	case s.callbacks().OnTransaction == nil:
		resp = NewResponse(CodeTransactionFailed, "Message handler not implemented")
	default:
		if err := s.callbacks().OnTransaction(s, txn); err != nil {
			resp = NewResponse(CodeTransactionFailed, err.Error())
		} else {
			resp = NewResponse(CodeOK, fmt.Sprintf("OK, message %s accepted", txn.ID))
			accepted = true
		}
	}

	if accepted {
		s.config.Metrics.addTransaction("accepted")
		s.logger.Info("message received",
			slog.String("transaction_id", txn.ID),
			slog.Int64("size", s.dataSize),
			slog.Int("recipients", txn.RecipientCount()),
		)
	} else {
		s.config.Metrics.addTransaction("rejected")
		txn.Discard()
	}

	s.state = StateReady
	s.sendResponse(resp)
}

// sendResponse renders r into the output buffer and flushes. A 354 reply
// moves the session into data mode; 221 and 421 end the write half once
// the buffer drains.
func (s *ServerEngine) sendResponse(r *Response) {
	out := s.transport.Out()
	out.Append(AppendResponse(nil, r))
	s.config.Metrics.addResponse(r.Code)
	s.logger.Debug("sent response", slog.Int("code", r.Code))

	switch r.Code {
	case CodeStartMailInput:
		s.state = StateData
		s.flush(false)
	case CodeServiceClosing, CodeServiceUnavailable:
		s.flush(true)
	default:
		s.flush(false)
	}
}

func (s *ServerEngine) flush(eof bool) {
	if n := s.transport.Flush(eof); n > 0 {
		s.config.Metrics.addBytesOut(n)
	}
}

func (s *ServerEngine) dropTransaction() {
	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}
	s.decoder = nil
}

func (s *ServerEngine) abort() {
	s.dropTransaction()
	s.state = StateAbort
	s.logger.Info("session aborted")
}
