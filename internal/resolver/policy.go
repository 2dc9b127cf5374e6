package resolver

import (
	"fmt"
	"net/netip"
	"strings"

	"api-gateway/internal/config"
	"api-gateway/internal/model"
)

// presets groups the address ranges a public gateway must never reach.
var presets = map[string][]string{
	"private": {
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",
	},
	"loopback": {
		"127.0.0.0/8",
		"::1/128",
	},
	"link-local": {
		"169.254.0.0/16",
		"fe80::/10",
	},
	"reserved": {
		"0.0.0.0/8",
		"100.64.0.0/10",
		"192.0.0.0/24",
		"198.18.0.0/15",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"::/128",
		"64:ff9b::/96",
		"ff00::/8",
	},
}

// presetOrder keeps rule evaluation (and therefore messages) deterministic.
var presetOrder = []string{"loopback", "link-local", "private", "reserved"}

// RejectionError explains why a target was refused. Message is safe to return to callers.
type RejectionError struct {
	Reason  string
	Message string
}

func (e *RejectionError) Error() string {
	return "invalid target: " + e.Message
}

// Unwrap ties every rejection to the shared taxonomy.
func (e *RejectionError) Unwrap() error {
	return model.ErrInvalidTarget
}

func reject(reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

type denyRule struct {
	prefix netip.Prefix
	label  string
}

// Policy is the static allow/deny policy for proxy targets.
// It is immutable after construction and safe for concurrent use.
type Policy struct {
	allow     []netip.Prefix
	deny      []denyRule
	denyHosts []hostPattern
}

// NewPolicy compiles the policy section of the configuration.
func NewPolicy(cfg *config.Config) (*Policy, error) {
	p := &Policy{}

	// allow_private opens the private ranges only; loopback, link-local and
	// reserved space stay denied unless allow_cidrs names them.
	for _, label := range presetOrder {
		if label == "private" && cfg.Policy.AllowPrivate {
			continue
		}
		for _, cidr := range presets[label] {
			p.deny = append(p.deny, denyRule{prefix: netip.MustParsePrefix(cidr), label: label})
		}
	}
	p.denyHosts = append(p.denyHosts, "localhost", "*.localhost")

	for _, cidr := range cfg.Policy.DenyCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("policy: deny cidr %q: %w", cidr, err)
		}
		p.deny = append(p.deny, denyRule{prefix: prefix.Masked(), label: "denied"})
	}
	for _, cidr := range cfg.Policy.AllowCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("policy: allow cidr %q: %w", cidr, err)
		}
		p.allow = append(p.allow, prefix.Masked())
	}
	for _, h := range cfg.Policy.DenyHosts {
		p.denyHosts = append(p.denyHosts, hostPattern(strings.ToLower(strings.TrimSpace(h))))
	}

	return p, nil
}

// CheckAddr returns a *RejectionError if addr falls in a denied range.
// Explicitly allowed CIDRs take precedence over denials.
func (p *Policy) CheckAddr(addr netip.Addr) error {
	addr = addr.Unmap().WithZone("")

	for _, prefix := range p.allow {
		if prefix.Contains(addr) {
			return nil
		}
	}
	for _, rule := range p.deny {
		if rule.prefix.Contains(addr) {
			return reject("denied_address", "address %s is in a %s range", addr, rule.label)
		}
	}
	return nil
}

// CheckHost returns a *RejectionError if the host name is denied.
func (p *Policy) CheckHost(host string) error {
	host = strings.ToLower(host)
	for _, pattern := range p.denyHosts {
		if pattern.Match(host) {
			return reject("denied_host", "host %s is not allowed", host)
		}
	}
	return nil
}

// hostPattern is an exact host name or a "*.suffix" wildcard.
type hostPattern string

func (d hostPattern) Match(host string) bool {
	if host == "" {
		return false
	}

	pattern := string(d)

	// exact match
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	// wildcard match
	suffix := pattern[1:]
	return strings.HasSuffix(host, suffix)
}
