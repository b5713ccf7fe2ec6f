package smtpkit

import "strings"

// Verb identifies an SMTP command word.
type Verb string

const (
	VerbHELO Verb = "HELO"
	VerbEHLO Verb = "EHLO"
	VerbMAIL Verb = "MAIL"
	VerbRCPT Verb = "RCPT"
	VerbDATA Verb = "DATA"
	VerbRSET Verb = "RSET"
	VerbNOOP Verb = "NOOP"
	VerbQUIT Verb = "QUIT"
)

// Command is one parsed or to-be-rendered SMTP command. It is a tagged
// variant: only the fields the verb needs are populated — Domain for
// HELO/EHLO, Path for MAIL (reverse-path) and RCPT (forward-path).
// Each command carries the verb descriptor it was built from.
type Command struct {
	Verb   Verb
	Domain string
	Path   Path

	spec *verbSpec
}

// LegalIn reports whether the command may be issued in the given state.
func (c *Command) LegalIn(s State) bool {
	return c.spec != nil && c.spec.states.has(s)
}

// verbSpec describes one verb: the session states it is legal in and its
// paired parser and renderer. The parser consumes the argument portion of
// the command line through the cursor; the renderer produces exactly the
// bytes the parser accepts, CRLF included.
type verbSpec struct {
	verb   Verb
	states stateSet
	parse  func(c *cursor, cmd *Command) *ParseError
	render func(dst []byte, cmd *Command) []byte
}

// verbSpecs is the global immutable verb table. Engines work from a
// per-session copy (see commandTable) so individual verbs can be
// disabled without mutating shared state.
var verbSpecs = map[Verb]*verbSpec{
	VerbHELO: {
		verb:   VerbHELO,
		states: states(StateHandshake, StateReady, StateMail, StateData),
		parse:  parseHeloArgs,
		render: renderHelo,
	},
	VerbEHLO: {
		verb:   VerbEHLO,
		states: states(StateHandshake, StateReady, StateMail, StateData),
		parse:  parseHeloArgs,
		render: renderHelo,
	},
	VerbMAIL: {
		verb:   VerbMAIL,
		states: states(StateReady),
		parse:  parseMailArgs,
		render: renderMail,
	},
	VerbRCPT: {
		verb:   VerbRCPT,
		states: states(StateMail),
		parse:  parseRcptArgs,
		render: renderRcpt,
	},
	VerbDATA: {
		verb:   VerbDATA,
		states: states(StateMail),
		parse:  parseBareArgs,
		render: renderBare,
	},
	VerbRSET: {
		verb:   VerbRSET,
		states: states(StateHandshake, StateReady, StateMail),
		parse:  parseBareArgs,
		render: renderBare,
	},
	VerbNOOP: {
		verb:   VerbNOOP,
		states: states(StateHandshake, StateReject, StateReady, StateMail),
		parse:  parseBareArgs,
		render: renderBare,
	},
	VerbQUIT: {
		verb:   VerbQUIT,
		states: states(StateHandshake, StateReject, StateReady, StateMail),
		parse:  parseBareArgs,
		render: renderBare,
	},
}

// commandTable builds a per-engine verb table with the given verbs
// removed. A known verb absent from the session table draws a 502 reply.
func commandTable(disabled []Verb) map[Verb]*verbSpec {
	table := make(map[Verb]*verbSpec, len(verbSpecs))
	for v, spec := range verbSpecs {
		table[v] = spec
	}
	for _, v := range disabled {
		delete(table, Verb(strings.ToUpper(string(v))))
	}
	return table
}

func newCommand(verb Verb) *Command {
	return &Command{Verb: verb, spec: verbSpecs[verb]}
}

// HeloCommand builds a HELO command announcing the given domain.
func HeloCommand(domain string) *Command {
	cmd := newCommand(VerbHELO)
	cmd.Domain = domain
	return cmd
}

// EhloCommand builds an EHLO command announcing the given domain.
func EhloCommand(domain string) *Command {
	cmd := newCommand(VerbEHLO)
	cmd.Domain = domain
	return cmd
}

// MailCommand builds a MAIL command with the given reverse-path.
func MailCommand(reversePath Path) *Command {
	cmd := newCommand(VerbMAIL)
	cmd.Path = reversePath
	return cmd
}

// RcptCommand builds a RCPT command with the given forward-path.
func RcptCommand(forwardPath Path) *Command {
	cmd := newCommand(VerbRCPT)
	cmd.Path = forwardPath
	return cmd
}

// DataCommand builds a DATA command.
func DataCommand() *Command { return newCommand(VerbDATA) }

// RsetCommand builds a RSET command.
func RsetCommand() *Command { return newCommand(VerbRSET) }

// NoopCommand builds a NOOP command.
func NoopCommand() *Command { return newCommand(VerbNOOP) }

// QuitCommand builds a QUIT command.
func QuitCommand() *Command { return newCommand(VerbQUIT) }
