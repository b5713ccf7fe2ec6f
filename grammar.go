package smtpkit

import (
	"bytes"
	"strconv"
	"strings"
)

// The grammar layer is a set of pure parse and render routines. Parsers
// operate on a Buffer's unread bytes and consume nothing until a complete
// message is present: an incomplete message returns nil values all round
// so the caller can fetch more bytes and retry. Renderers produce exactly
// the bytes the paired parser accepts, CRLF included.

// cursor walks a single command line during parsing.
type cursor struct {
	s   string
	pos int
}

func (c *cursor) eof() bool { return c.pos >= len(c.s) }

func (c *cursor) peek() byte {
	if c.pos >= len(c.s) {
		return 0
	}
	return c.s[c.pos]
}

func (c *cursor) rest() string { return c.s[c.pos:] }

// skipSpaces consumes spaces and tabs, returning how many were skipped.
func (c *cursor) skipSpaces() int {
	n := 0
	for c.peek() == ' ' || c.peek() == '\t' {
		c.pos++
		n++
	}
	return n
}

// takeWhile consumes the longest prefix whose bytes satisfy pred.
func (c *cursor) takeWhile(pred func(byte) bool) string {
	start := c.pos
	for !c.eof() && pred(c.s[c.pos]) {
		c.pos++
	}
	return c.s[start:c.pos]
}

// expectByte consumes b if it is next.
func (c *cursor) expectByte(b byte) bool {
	if c.peek() != b {
		return false
	}
	c.pos++
	return true
}

// expectFold consumes lit if it is next, ignoring ASCII case.
func (c *cursor) expectFold(lit string) bool {
	if c.pos+len(lit) > len(c.s) {
		return false
	}
	if !strings.EqualFold(c.s[c.pos:c.pos+len(lit)], lit) {
		return false
	}
	c.pos += len(lit)
	return true
}

func isWordChar(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}

func notSpace(b byte) bool { return b != ' ' && b != '\t' }

// takeLine extracts one complete text line from buf, stripping the
// terminator. ok is false when no full line has arrived yet. A line
// exceeding limit draws a ParseError; if the line was complete it is
// consumed so the session can resync, otherwise nothing is consumed and
// the caller must treat the stream as lost.
func takeLine(buf *Buffer, limit int) (line string, sawCR bool, err *ParseError, ok bool) {
	unread := buf.Unread()
	i := bytes.IndexByte(unread, '\n')
	if i < 0 {
		if limit > 0 && len(unread) > limit {
			return "", false, parseErrorf(CodeCommandUnrecognized, "Line too long"), false
		}
		return "", false, nil, false
	}
	if limit > 0 && i+1 > limit {
		buf.Advance(i + 1)
		return "", false, parseErrorf(CodeCommandUnrecognized, "Line too long"), false
	}
	raw := unread[:i]
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		sawCR = true
		raw = raw[:n-1]
	}
	line = string(raw)
	buf.Advance(i + 1)
	return line, sawCR, nil, true
}

// ParseCommand parses one command from buf using the full verb table.
// It returns (nil, nil, nil) when no complete line is buffered yet.
// Warnings report tolerated deviations such as a missing CR.
func ParseCommand(buf *Buffer, limit int) (*Command, []string, *ParseError) {
	return parseCommand(buf, verbSpecs, limit)
}

func parseCommand(buf *Buffer, table map[Verb]*verbSpec, limit int) (*Command, []string, *ParseError) {
	line, sawCR, perr, ok := takeLine(buf, limit)
	if perr != nil {
		return nil, nil, perr
	}
	if !ok {
		return nil, nil, nil
	}
	var warnings []string
	if !sawCR {
		warnings = append(warnings, "Missing CR")
	}

	c := &cursor{s: line}
	c.skipSpaces()
	verb := strings.ToUpper(c.takeWhile(notSpace))
	spec, found := table[Verb(verb)]
	if !found {
		if _, known := verbSpecs[Verb(verb)]; known {
			return nil, warnings, parseErrorf(CodeCommandNotImplemented, "Unimplemented")
		}
		return nil, warnings, parseErrorf(CodeCommandUnrecognized, "Unknown command %q", verb)
	}

	cmd := &Command{Verb: spec.verb, spec: spec}
	if perr := spec.parse(c, cmd); perr != nil {
		return nil, warnings, perr
	}
	return cmd, warnings, nil
}

// ---- Verb argument parsers ----

func parseHeloArgs(c *cursor, cmd *Command) *ParseError {
	c.skipSpaces()
	if c.eof() {
		return parseErrorf(CodeSyntaxError, "Missing domain argument")
	}
	dom, perr := parseDomainOrLiteral(c, CodeSyntaxError)
	if perr != nil {
		return perr
	}
	c.skipSpaces()
	if !c.eof() {
		return parseErrorf(CodeSyntaxError, "Unexpected characters %q after domain", c.rest())
	}
	cmd.Domain = dom
	return nil
}

func parseMailArgs(c *cursor, cmd *Command) *ParseError {
	c.skipSpaces()
	if !c.expectFold("FROM") {
		return parseErrorf(CodeCommandUnrecognized, "Invalid MAIL command: expected FROM near %q", c.rest())
	}
	c.skipSpaces()
	if !c.expectByte(':') {
		return parseErrorf(CodeCommandUnrecognized, "Invalid MAIL command: expected ':' near %q", c.rest())
	}
	c.skipSpaces()
	path, perr := parseRoutePath(c, true)
	if perr != nil {
		return parseErrorf(CodeCommandUnrecognized, "Invalid MAIL command: %s", perr.Message)
	}
	if perr := parsePathParams(c, &path); perr != nil {
		return parseErrorf(CodeCommandUnrecognized, "Invalid MAIL command: %s", perr.Message)
	}
	cmd.Path = path
	return nil
}

func parseRcptArgs(c *cursor, cmd *Command) *ParseError {
	c.skipSpaces()
	if !c.expectFold("TO") {
		return parseErrorf(CodeCommandUnrecognized, "Invalid RCPT command: expected TO near %q", c.rest())
	}
	c.skipSpaces()
	if !c.expectByte(':') {
		return parseErrorf(CodeCommandUnrecognized, "Invalid RCPT command: expected ':' near %q", c.rest())
	}
	c.skipSpaces()
	path, perr := parseRoutePath(c, false)
	if perr != nil {
		return parseErrorf(CodeCommandUnrecognized, "Invalid RCPT command: %s", perr.Message)
	}
	if perr := parsePathParams(c, &path); perr != nil {
		return parseErrorf(CodeCommandUnrecognized, "Invalid RCPT command: %s", perr.Message)
	}
	cmd.Path = path
	return nil
}

func parseBareArgs(c *cursor, cmd *Command) *ParseError {
	c.skipSpaces()
	if !c.eof() {
		return parseErrorf(CodeCommandUnrecognized, "%s takes no arguments", cmd.Verb)
	}
	return nil
}

// parseDomainOrLiteral parses a domain name or a bracketed address
// literal like "[192.0.2.1]" or "[::1]". Syntax failures carry code.
func parseDomainOrLiteral(c *cursor, code int) (string, *ParseError) {
	if c.peek() == '[' {
		start := c.pos
		c.pos++
		inner := c.takeWhile(func(b byte) bool { return b != ']' })
		if !c.expectByte(']') {
			return "", parseErrorf(code, "Unterminated address literal near %q", c.s[start:])
		}
		if !validAddressLiteral(inner) {
			return "", parseErrorf(code, "Invalid address literal %q", inner)
		}
		return c.s[start:c.pos], nil
	}
	dom, ok := parseDomain(c)
	if !ok {
		return "", parseErrorf(code, "Invalid domain near %q", c.rest())
	}
	return dom, nil
}

// parseDomain consumes a dotted sequence of labels, each matching
// \w[-\w]*. A trailing dot is left unconsumed.
func parseDomain(c *cursor) (string, bool) {
	start := c.pos
	if !parseDomainLabel(c) {
		return "", false
	}
	for c.peek() == '.' {
		save := c.pos
		c.pos++
		if !parseDomainLabel(c) {
			c.pos = save
			break
		}
	}
	return c.s[start:c.pos], true
}

func parseDomainLabel(c *cursor) bool {
	if !isWordChar(c.peek()) {
		return false
	}
	c.pos++
	for isWordChar(c.peek()) || c.peek() == '-' {
		c.pos++
	}
	return true
}

// validAddressLiteral accepts an IPv4 dotted quad or an IPv6 colon-hex
// group sequence, optionally tagged "IPv6:".
func validAddressLiteral(s string) bool {
	if rest, ok := strings.CutPrefix(s, "IPv6:"); ok {
		s = rest
	}
	if strings.ContainsRune(s, ':') {
		if len(s) == 0 {
			return false
		}
		for i := 0; i < len(s); i++ {
			b := s[i]
			switch {
			case b == ':' || b == '.':
			case b >= '0' && b <= '9':
			case b >= 'a' && b <= 'f':
			case b >= 'A' && b <= 'F':
			default:
				return false
			}
		}
		return true
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if len(part) == 0 || len(part) > 3 {
			return false
		}
		n := 0
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return false
			}
			n = n*10 + int(part[i]-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// parseRoutePath parses the angle-bracket path of MAIL and RCPT.
// The null path "<>" is accepted only for MAIL; the bare special
// recipient "<postmaster>" only for RCPT.
func parseRoutePath(c *cursor, isMail bool) (Path, *ParseError) {
	var p Path
	if !c.expectByte('<') {
		return p, parseErrorf(CodeCommandUnrecognized, "expected '<' near %q", c.rest())
	}
	if isMail && c.peek() == '>' {
		c.pos++
		return p, nil
	}
	if c.peek() == '@' {
		for c.peek() == '@' {
			c.pos++
			dom, ok := parseDomain(c)
			if !ok {
				return p, parseErrorf(CodeCommandUnrecognized, "invalid route domain near %q", c.rest())
			}
			p.Route = append(p.Route, dom)
			if !c.expectByte(',') {
				break
			}
		}
		if !c.expectByte(':') {
			return p, parseErrorf(CodeCommandUnrecognized, "expected ':' after source route near %q", c.rest())
		}
	}
	if !isMail && len(p.Route) == 0 {
		save := c.pos
		if c.expectFold("postmaster") && c.peek() == '>' {
			p.Mailbox = c.s[save:c.pos]
			c.pos++
			return p, nil
		}
		c.pos = save
	}
	local := c.takeWhile(func(b byte) bool {
		return b != '@' && b != '>' && b != ' ' && b != '\t'
	})
	if local == "" {
		return p, parseErrorf(CodeCommandUnrecognized, "empty mailbox near %q", c.rest())
	}
	if !c.expectByte('@') {
		return p, parseErrorf(CodeCommandUnrecognized, "expected '@' in mailbox near %q", c.rest())
	}
	dom, perr := parseDomainOrLiteral(c, CodeCommandUnrecognized)
	if perr != nil {
		return p, perr
	}
	if !c.expectByte('>') {
		return p, parseErrorf(CodeCommandUnrecognized, "expected '>' near %q", c.rest())
	}
	p.Mailbox = local + "@" + dom
	return p, nil
}

// parsePathParams parses the "SP name[=value]" parameters that may
// follow a path. Duplicate names overwrite earlier values.
func parsePathParams(c *cursor, p *Path) *ParseError {
	for {
		n := c.skipSpaces()
		if c.eof() {
			return nil
		}
		if n == 0 {
			return parseErrorf(CodeCommandUnrecognized, "expected space before parameter near %q", c.rest())
		}
		name := c.takeWhile(func(b byte) bool {
			return b != '=' && b != ' ' && b != '\t'
		})
		if name == "" {
			return parseErrorf(CodeCommandUnrecognized, "empty parameter name near %q", c.rest())
		}
		value := ""
		if c.expectByte('=') {
			value = c.takeWhile(notSpace)
		}
		if p.Params == nil {
			p.Params = make(map[string]string)
		}
		p.Params[name] = value
	}
}

// ---- Response framing ----

// ParseResponse parses one complete (possibly multi-line) reply from
// buf. It returns (nil, nil) when the terminator line has not arrived
// yet, leaving the buffer untouched. A malformed line or a code change
// mid-reply is unrecoverable: the cursor advances to the offending
// line's start and a ParseError is returned.
func ParseResponse(buf *Buffer, limit int) (*Response, *ParseError) {
	unread := buf.Unread()
	off := 0
	var lines []string
	code := -1
	for {
		i := bytes.IndexByte(unread[off:], '\n')
		if i < 0 {
			if limit > 0 && len(unread)-off > limit {
				return nil, parseErrorf(CodeCommandUnrecognized, "Response line too long")
			}
			return nil, nil
		}
		if limit > 0 && i+1 > limit {
			buf.Advance(off)
			return nil, parseErrorf(CodeCommandUnrecognized, "Response line too long")
		}
		raw := unread[off : off+i]
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		lineCode, sep, text, perr := splitResponseLine(raw)
		if perr != nil {
			buf.Advance(off)
			return nil, perr
		}
		if code == -1 {
			code = lineCode
		} else if lineCode != code {
			buf.Advance(off)
			return nil, parseErrorf(CodeCommandUnrecognized,
				"Inconsistent response code %d, expected %d", lineCode, code)
		}
		lines = append(lines, text)
		off += i + 1
		if sep == ' ' {
			buf.Advance(off)
			return &Response{Code: code, Lines: lines}, nil
		}
	}
}

func splitResponseLine(line []byte) (code int, sep byte, text string, err *ParseError) {
	if len(line) < 3 {
		return 0, 0, "", parseErrorf(CodeCommandUnrecognized, "Malformed response line %q", line)
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, "", parseErrorf(CodeCommandUnrecognized, "Malformed response line %q", line)
		}
	}
	code = int(line[0]-'0')*100 + int(line[1]-'0')*10 + int(line[2]-'0')
	if code < 100 {
		return 0, 0, "", parseErrorf(CodeCommandUnrecognized, "Response code %d out of range", code)
	}
	if len(line) == 3 {
		return code, ' ', "", nil
	}
	sep = line[3]
	if sep != ' ' && sep != '-' {
		return 0, 0, "", parseErrorf(CodeCommandUnrecognized, "Malformed response line %q", line)
	}
	return code, sep, string(line[4:]), nil
}

// ---- Renderers ----

// AppendCommand renders cmd onto dst, CRLF included.
func AppendCommand(dst []byte, cmd *Command) []byte {
	return cmd.spec.render(dst, cmd)
}

// AppendResponse renders r onto dst, one physical line per message line,
// with "-" separators on all but the last.
func AppendResponse(dst []byte, r *Response) []byte {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		dst = strconv.AppendInt(dst, int64(r.Code), 10)
		dst = append(dst, sep)
		dst = append(dst, line...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

func renderHelo(dst []byte, cmd *Command) []byte {
	dst = append(dst, string(cmd.Verb)...)
	dst = append(dst, ' ')
	dst = append(dst, cmd.Domain...)
	return append(dst, '\r', '\n')
}

func renderMail(dst []byte, cmd *Command) []byte {
	dst = append(dst, "MAIL FROM:"...)
	dst = appendPathWithParams(dst, cmd.Path)
	return append(dst, '\r', '\n')
}

func renderRcpt(dst []byte, cmd *Command) []byte {
	dst = append(dst, "RCPT TO:"...)
	dst = appendPathWithParams(dst, cmd.Path)
	return append(dst, '\r', '\n')
}

func renderBare(dst []byte, cmd *Command) []byte {
	dst = append(dst, string(cmd.Verb)...)
	return append(dst, '\r', '\n')
}

func appendPathWithParams(dst []byte, p Path) []byte {
	dst = append(dst, '<')
	for i, d := range p.Route {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '@')
		dst = append(dst, d...)
	}
	if len(p.Route) > 0 {
		dst = append(dst, ':')
	}
	dst = append(dst, p.Mailbox...)
	dst = append(dst, '>')
	for _, name := range p.paramNames() {
		dst = append(dst, ' ')
		dst = append(dst, name...)
		if v := p.Params[name]; v != "" {
			dst = append(dst, '=')
			dst = append(dst, v...)
		}
	}
	return dst
}
