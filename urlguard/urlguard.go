// Package urlguard decides whether an externally supplied URL may be fetched
// or redirected to by the server. It blocks SSRF pivots into loopback,
// private and link-local space, credentials embedded in URLs, domains
// outside an explicit allowlist and open-redirect chains in the query.
package urlguard

import (
	"context"
	"net/netip"
	"net/url"
	"strings"

	"github.com/jmcleod/trustgate/verdict"
)

// maxNesting bounds how many embedded URLs are followed in query values.
const maxNesting = 3

// dangerousSchemes are rejected wherever they appear inside a query value.
var dangerousSchemes = map[string]bool{
	"javascript": true,
	"vbscript":   true,
	"data":       true,
	"file":       true,
}

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator holds the static policy for URL validation.
type Validator struct {
	schemes  map[string]bool
	domains  []string
	resolver Resolver
}

// Option configures a Validator.
type Option func(*Validator)

// WithSchemes replaces the scheme allowlist (default: https only).
func WithSchemes(schemes ...string) Option {
	return func(v *Validator) {
		v.schemes = make(map[string]bool, len(schemes))
		for _, s := range schemes {
			v.schemes[strings.ToLower(s)] = true
		}
	}
}

// WithAllowedDomains enables the domain allowlist. Entries are exact hosts;
// an entry with a leading dot (".example.com") admits its subdomains but not
// the bare domain.
func WithAllowedDomains(domains ...string) Option {
	return func(v *Validator) {
		v.domains = v.domains[:0]
		for _, d := range domains {
			d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
			if d != "" && d != "." {
				v.domains = append(v.domains, d)
			}
		}
	}
}

// WithResolver makes Validate resolve hostnames and reject any that map to
// a blocked address.
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		v.resolver = r
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{schemes: map[string]bool{"https": true}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks raw against the policy and returns the canonical URL
// (lower-cased scheme and host, trailing dot removed). Every failure is a
// *verdict.Rejection.
func Validate(ctx context.Context, raw string, allowedSchemes []string, allowedDomains []string) (*url.URL, error) {
	opts := []Option{WithSchemes(allowedSchemes...)}
	if len(allowedDomains) > 0 {
		opts = append(opts, WithAllowedDomains(allowedDomains...))
	}
	return New(opts...).Validate(ctx, raw)
}

// Validate runs every configured check on raw, then on any URL nested in a
// redirect-style query parameter. It returns the normalised URL or a
// *verdict.Rejection.
func (v *Validator) Validate(ctx context.Context, raw string) (*url.URL, error) {
	return v.validate(ctx, raw, 0)
}

func (v *Validator) validate(ctx context.Context, raw string, depth int) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, verdict.Rejectf(verdict.InvalidScheme, "unparseable URL")
	}

	scheme := strings.ToLower(u.Scheme)
	if !v.schemes[scheme] {
		return nil, verdict.Rejectf(verdict.InvalidScheme, "scheme %q not allowed", scheme)
	}
	if u.Opaque != "" {
		return nil, verdict.Rejectf(verdict.InvalidScheme, "opaque URL")
	}
	if u.User != nil {
		return nil, verdict.Reject(verdict.CredentialsPresent)
	}
	if strings.ContainsAny(u.Host, "\\@") {
		return nil, verdict.Reject(verdict.CredentialsPresent)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, verdict.Rejectf(verdict.InvalidScheme, "missing host")
	}
	if err := v.checkHost(ctx, host); err != nil {
		return nil, err
	}

	if err := v.checkEmbedded(ctx, u, depth); err != nil {
		return nil, err
	}

	canon := *u
	canon.Scheme = scheme
	if port := u.Port(); port != "" {
		if strings.Contains(host, ":") {
			canon.Host = "[" + host + "]:" + port
		} else {
			canon.Host = host + ":" + port
		}
	} else if strings.Contains(host, ":") {
		canon.Host = "[" + host + "]"
	} else {
		canon.Host = host
	}
	return &canon, nil
}

func (v *Validator) checkHost(ctx context.Context, host string) error {
	if isBlockedName(host) {
		return verdict.Rejectf(verdict.PrivateIP, "local hostname %q", host)
	}
	addr, isIP := parseHostAddr(host)
	if isIP && IsBlockedAddr(addr) {
		return verdict.Rejectf(verdict.PrivateIP, "address %s", addr)
	}

	if len(v.domains) > 0 && !v.domainAllowed(host) {
		return verdict.Rejectf(verdict.DomainNotAllowed, "host %q", host)
	}

	if v.resolver != nil && !isIP {
		addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil || len(addrs) == 0 {
			return verdict.Rejectf(verdict.DomainNotAllowed, "host %q does not resolve", host)
		}
		for _, a := range addrs {
			if IsBlockedAddr(a) {
				return verdict.Rejectf(verdict.PrivateIP, "host %q resolves to %s", host, a)
			}
		}
	}
	return nil
}

// domainAllowed applies exact matching; only entries written as ".suffix"
// admit subdomains.
func (v *Validator) domainAllowed(host string) bool {
	for _, d := range v.domains {
		if strings.HasPrefix(d, ".") {
			if strings.HasSuffix(host, d) && len(host) > len(d) {
				return true
			}
			continue
		}
		if host == d {
			return true
		}
	}
	return false
}

// checkEmbedded rejects query values that carry a second URL which would not
// itself pass validation.
func (v *Validator) checkEmbedded(ctx context.Context, u *url.URL, depth int) error {
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return verdict.Rejectf(verdict.OpenRedirect, "malformed query")
	}
	for _, vs := range values {
		for _, val := range vs {
			if err := v.checkValue(ctx, u.Scheme, val, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) checkValue(ctx context.Context, outerScheme, val string, depth int) error {
	candidate := strings.TrimSpace(val)
	if unescaped, err := url.QueryUnescape(candidate); err == nil {
		candidate = unescaped
	}

	if strings.HasPrefix(candidate, "//") || strings.HasPrefix(candidate, "\\\\") ||
		strings.HasPrefix(candidate, "/\\") || strings.HasPrefix(candidate, "\\/") {
		candidate = outerScheme + "://" + strings.TrimLeft(candidate, "/\\")
	}

	scheme, ok := schemeOf(candidate)
	if !ok {
		return nil
	}
	if dangerousSchemes[scheme] {
		return verdict.Rejectf(verdict.OpenRedirect, "embedded %s: URL", scheme)
	}
	if !strings.HasPrefix(candidate[len(scheme)+1:], "//") {
		return nil
	}
	if depth+1 > maxNesting {
		return verdict.Rejectf(verdict.OpenRedirect, "too many nested URLs")
	}
	if _, err := v.validate(ctx, candidate, depth+1); err != nil {
		return verdict.Rejectf(verdict.OpenRedirect, "embedded URL rejected (%v)", err)
	}
	return nil
}

// schemeOf returns the RFC 3986 scheme token of s, if s starts with one.
func schemeOf(s string) (string, bool) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return "", false
	}
	for j := 0; j < i; j++ {
		c := s[j]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case j > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return "", false
		}
	}
	return strings.ToLower(s[:i]), true
}
