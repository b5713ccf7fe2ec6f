// Package dns provides the resolver interface the smtpkit client dialer
// uses to locate mail exchangers, with implementations backed by
// github.com/miekg/dns and by the standard library, plus a mock for
// tests.
package dns

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates the name does not exist (NXDOMAIN) or has no
	// records of the requested type.
	ErrNotFound = errors.New("dns: no records found")

	// ErrServFail indicates a server failure; the lookup may be retried.
	ErrServFail = errors.New("dns: server failure")

	// ErrRefused indicates the server refused the query.
	ErrRefused = errors.New("dns: query refused")
)

// Result carries the records of one lookup.
type Result[T any] struct {
	Records []T
}

// Resolver answers the lookups the SMTP client needs.
type Resolver interface {
	// LookupMX retrieves MX records for a mail domain.
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)

	// LookupIP retrieves A and AAAA records for a host name.
	LookupIP(ctx context.Context, name string) (Result[net.IP], error)
}

// SortMX orders MX records by preference, most preferred first. The
// input slice is sorted in place and returned.
func SortMX(records []*net.MX) []*net.MX {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	return records
}

// ensureAbsolute ensures the domain name ends with a dot (FQDN format).
func ensureAbsolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
