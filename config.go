package smtpkit

import (
	"log/slog"
	"sort"
	"strings"
)

// Defaults for the configurable limits.
const (
	// DefaultLineLengthLimit bounds a single command or response line.
	DefaultLineLengthLimit = 1000

	// DefaultMessageSizeLimit bounds the decoded message body.
	DefaultMessageSizeLimit = 10 << 20

	// DefaultRecipientLimit bounds forward-paths per transaction.
	DefaultRecipientLimit = 1024

	// DefaultSpillThreshold is where the body spool moves to disk.
	DefaultSpillThreshold = 256 << 10
)

// KeywordRenderer formats one EHLO keyword line (without the reply-code
// prefix). Keyword parameter syntax is keyword-specific per RFC 5321, so
// the renderer is pluggable; the default joins values with spaces.
type KeywordRenderer func(keyword string, values []string) string

// DefaultKeywordRenderer renders "KEYWORD v1 v2 …".
func DefaultKeywordRenderer(keyword string, values []string) string {
	if len(values) == 0 {
		return keyword
	}
	return keyword + " " + strings.Join(values, " ")
}

// ServerConfig contains configuration options for a ServerEngine.
// The zero value works; ApplyDefaults fills in the blanks.
type ServerConfig struct {
	// Domain is the server's primary domain, used in the greeting and as
	// the default HELO reply name.
	Domain string

	// Address is the server's own address, snapshot into transactions.
	Address string

	// Helo is the name announced in HELO/EHLO replies.
	// Defaults to Domain.
	Helo string

	// ClientDomain and ClientAddress identify the connected peer when
	// the driver knows them; they are snapshot into transactions.
	ClientDomain  string
	ClientAddress string

	// Greeting is the text of the 220 banner.
	// Defaults to "smtpkit server on <Domain>".
	Greeting string

	// EhloKeywords are the extension keywords advertised in the EHLO
	// reply, rendered in sorted key order. A nil or empty value slice
	// advertises the bare keyword.
	EhloKeywords map[string][]string

	// RenderKeyword formats one EHLO keyword line.
	// Defaults to DefaultKeywordRenderer.
	RenderKeyword KeywordRenderer

	// LineLengthLimit bounds a single command line. Default 1000.
	LineLengthLimit int

	// MessageSizeLimit bounds the decoded message body. Default 10 MiB.
	MessageSizeLimit int64

	// RecipientLimit bounds forward-paths per transaction. Default 1024.
	RecipientLimit int

	// SpillThreshold is where the default body spool moves to disk.
	// Default 256 KiB.
	SpillThreshold int

	// DisabledVerbs removes verbs from this engine's command table; a
	// disabled verb draws a 502 reply.
	DisabledVerbs []Verb

	// Callbacks hook the session lifecycle. All optional.
	Callbacks *Callbacks

	// Logger receives session logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, when set, receives engine instrumentation.
	Metrics *Metrics
}

// ApplyDefaults fills unset fields with their defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.Helo == "" {
		c.Helo = c.Domain
	}
	if c.Greeting == "" {
		c.Greeting = "smtpkit server on " + c.Domain
	}
	if c.RenderKeyword == nil {
		c.RenderKeyword = DefaultKeywordRenderer
	}
	if c.LineLengthLimit == 0 {
		c.LineLengthLimit = DefaultLineLengthLimit
	}
	if c.MessageSizeLimit == 0 {
		c.MessageSizeLimit = DefaultMessageSizeLimit
	}
	if c.RecipientLimit == 0 {
		c.RecipientLimit = DefaultRecipientLimit
	}
	if c.SpillThreshold == 0 {
		c.SpillThreshold = DefaultSpillThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DefaultServerConfig returns a ServerConfig with sensible defaults for
// the given domain.
func DefaultServerConfig(domain string) ServerConfig {
	c := ServerConfig{Domain: domain}
	c.ApplyDefaults()
	return c
}

// sortedKeywords returns the EHLO keyword names in sorted order.
func (c *ServerConfig) sortedKeywords() []string {
	if len(c.EhloKeywords) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.EhloKeywords))
	for name := range c.EhloKeywords {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Callbacks defines event handlers for server session events.
// All callbacks are optional. Return an error to reject the action.
type Callbacks struct {
	// OnConnect is called before the greeting is emitted. Returning an
	// error rejects the session with a 554 greeting; only QUIT and NOOP
	// are then accepted.
	OnConnect func(s *ServerEngine) error

	// OnHandshake is called when HELO/EHLO has been accepted.
	OnHandshake func(s *ServerEngine, verb Verb, clientHelo string)

	// OnMailFrom is called when MAIL FROM is received. Return an error
	// to reject the sender with a 550 reply.
	OnMailFrom func(s *ServerEngine, reversePath Path) error

	// OnRcptTo is called for each RCPT TO. Return an error to reject the
	// recipient with a 550 reply.
	OnRcptTo func(s *ServerEngine, forwardPath Path) error

	// OnTransaction is called when a complete message has been received.
	// Returning nil accepts the message with a 250 reply; an error
	// rejects it with 554. When the callback is nil the engine replies
	// 554 "Message handler not implemented".
	OnTransaction func(s *ServerEngine, txn *Transaction) error
}

// ClientConfig contains configuration options for a ClientEngine.
type ClientConfig struct {
	// Domain is the name announced in EHLO/HELO. It is normalized to its
	// IDNA ASCII form at engine construction. Defaults to "localhost".
	Domain string

	// Address is the client's own address. The client engine stores it
	// but does not read it.
	Address string

	// LineLengthLimit bounds a single response line. Default 1000.
	LineLengthLimit int

	// Logger receives session logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics, when set, receives engine instrumentation.
	Metrics *Metrics
}

// ApplyDefaults fills unset fields with their defaults.
func (c *ClientConfig) ApplyDefaults() {
	if c.Domain == "" {
		c.Domain = "localhost"
	}
	if c.LineLengthLimit == 0 {
		c.LineLengthLimit = DefaultLineLengthLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig(domain string) ClientConfig {
	c := ClientConfig{Domain: domain}
	c.ApplyDefaults()
	return c
}
