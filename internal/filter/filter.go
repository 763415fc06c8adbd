// Package filter evaluates destination hostnames against the configured
// allow/deny policy. The policy is built once at startup and shared
// read-only by every connection handler.
package filter

import (
	"fmt"
	"net"
	"strings"
)

type Mode int

const (
	// ModeNone allows every domain; the domain set is ignored.
	ModeNone Mode = iota

	// ModeBlacklist allows every domain except those in the set.
	ModeBlacklist

	// ModeWhitelist allows only domains in the set.
	ModeWhitelist
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeBlacklist:
		return "blacklist"
	case ModeWhitelist:
		return "whitelist"
	}

	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name case-insensitively. The empty string
// maps to ModeNone.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ModeNone, nil
	case "blacklist":
		return ModeBlacklist, nil
	case "whitelist":
		return ModeWhitelist, nil
	}

	return ModeNone, fmt.Errorf("unknown filter mode %q", s)
}

// Policy is the resolved domain filter. Entries may use wildcards:
// '*' matches exactly one label, '**' matches one or more leading
// labels ("**.example.com" covers every subdomain of example.com).
// Plain entries match exactly.
type Policy struct {
	mode Mode
	tree *domainTree
	size int
}

// NewPolicy builds a policy from a mode and a list of domain patterns.
// Patterns are normalized the same way looked-up hosts are; empty
// entries are dropped.
func NewPolicy(mode Mode, domains []string) *Policy {
	p := &Policy{
		mode: mode,
		tree: newDomainTree(),
	}

	for _, d := range domains {
		d = NormalizeHost(d)
		if d == "" {
			continue
		}

		p.tree.insert(d)
		p.size++
	}

	return p
}

func (p *Policy) Mode() Mode {
	return p.mode
}

// Len returns the number of configured domain patterns.
func (p *Policy) Len() int {
	return p.size
}

// Allowed reports whether a request for the given host may proceed.
// The host may carry a port suffix and mixed case; malformed hosts
// match nothing and therefore fall on the mode's default side.
func (p *Policy) Allowed(host string) bool {
	if p.mode == ModeNone {
		return true
	}

	matched := p.tree.contains(NormalizeHost(host))

	switch p.mode {
	case ModeBlacklist:
		return !matched
	case ModeWhitelist:
		return matched
	}

	return true
}

// NormalizeHost strips an optional port suffix, lowercases the host and
// removes a trailing dot.
func NormalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")

	return host
}
