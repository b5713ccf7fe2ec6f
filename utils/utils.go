package utils

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// NormalizeDomain converts an internationalized domain name to its IDNA
// ASCII (A-label) form for use on the wire. Bracketed address literals
// and names that fail conversion are returned unchanged.
func NormalizeDomain(domain string) string {
	if domain == "" || strings.HasPrefix(domain, "[") {
		return domain
	}
	if !ContainsNonASCII(domain) {
		return domain
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

// ContainsNonASCII checks if a string contains any non-ASCII characters.
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}
