package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing. Set records in the
// fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	MX map[string][]*net.MX
	A  map[string][]string

	// Fail contains records that return ErrServFail.
	// Format: "type name", e.g. "mx example.com." with type lowercase.
	Fail []string
}

var _ Resolver = MockResolver{}

// LookupMX returns the configured MX records for name.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	if err := ctx.Err(); err != nil {
		return Result[*net.MX]{}, err
	}
	name = ensureAbsolute(name)
	if slices.Contains(r.Fail, "mx "+name) {
		return Result[*net.MX]{}, ErrServFail
	}
	records, ok := r.MX[name]
	if !ok || len(records) == 0 {
		return Result[*net.MX]{}, ErrNotFound
	}
	return Result[*net.MX]{Records: records}, nil
}

// LookupIP returns the configured A records for name.
func (r MockResolver) LookupIP(ctx context.Context, name string) (Result[net.IP], error) {
	if err := ctx.Err(); err != nil {
		return Result[net.IP]{}, err
	}
	name = ensureAbsolute(name)
	if slices.Contains(r.Fail, "a "+name) {
		return Result[net.IP]{}, ErrServFail
	}
	addrs, ok := r.A[name]
	if !ok || len(addrs) == 0 {
		return Result[net.IP]{}, ErrNotFound
	}
	var ips []net.IP
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return Result[net.IP]{}, ErrNotFound
	}
	return Result[net.IP]{Records: ips}, nil
}
