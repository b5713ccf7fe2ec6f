package smtpkit

import (
	"sort"
	"strings"
)

// Path represents an SMTP reverse-path or forward-path: the angle-bracket
// argument of MAIL FROM and RCPT TO.
//
// An empty Mailbox is the null reverse-path ("<>") used by bounce
// messages. The special recipient "postmaster" (case-insensitive, no
// domain) is carried verbatim in Mailbox.
type Path struct {
	// Mailbox is the "local@domain" address, "" for the null path, or
	// the bare string "postmaster".
	Mailbox string `json:"mailbox"`

	// Route is the obsolete source route: an ordered list of domains the
	// message should relay through. Parsed and re-rendered for
	// compatibility; SHOULD NOT be produced by new senders per RFC 5321.
	Route []string `json:"route,omitempty"`

	// Params are the ESMTP parameters that followed the path, keyed by
	// name. A parameter without a value maps to "". Duplicate names
	// overwrite earlier ones.
	Params map[string]string `json:"params,omitempty"`
}

// IsNull reports whether this is the null reverse-path.
func (p Path) IsNull() bool { return p.Mailbox == "" }

// IsPostmaster reports whether this is the special postmaster recipient.
func (p Path) IsPostmaster() bool {
	return strings.EqualFold(p.Mailbox, "postmaster")
}

// LocalPart returns the part of the mailbox before the '@', or the whole
// mailbox when there is no domain.
func (p Path) LocalPart() string {
	if i := strings.LastIndexByte(p.Mailbox, '@'); i >= 0 {
		return p.Mailbox[:i]
	}
	return p.Mailbox
}

// Domain returns the part of the mailbox after the '@', or "".
func (p Path) Domain() string {
	if i := strings.LastIndexByte(p.Mailbox, '@'); i >= 0 {
		return p.Mailbox[i+1:]
	}
	return ""
}

// String returns the path in angle-bracket form without parameters,
// e.g. "<>", "<postmaster>" or "<@relay.example:user@example.com>".
func (p Path) String() string {
	var sb strings.Builder
	sb.WriteByte('<')
	for i, d := range p.Route {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('@')
		sb.WriteString(d)
	}
	if len(p.Route) > 0 {
		sb.WriteByte(':')
	}
	sb.WriteString(p.Mailbox)
	sb.WriteByte('>')
	return sb.String()
}

// paramNames returns the parameter names in sorted order, so rendering
// is deterministic regardless of map iteration order.
func (p Path) paramNames() []string {
	if len(p.Params) == 0 {
		return nil
	}
	names := make([]string, 0, len(p.Params))
	for name := range p.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether two paths are the same mailbox, route and
// parameter set.
func (p Path) Equal(q Path) bool {
	if p.Mailbox != q.Mailbox || len(p.Route) != len(q.Route) || len(p.Params) != len(q.Params) {
		return false
	}
	for i := range p.Route {
		if p.Route[i] != q.Route[i] {
			return false
		}
	}
	for k, v := range p.Params {
		qv, ok := q.Params[k]
		if !ok || qv != v {
			return false
		}
	}
	return true
}
