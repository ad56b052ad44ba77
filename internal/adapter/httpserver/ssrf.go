package httpserver

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// PolicyError reports why a URL was rejected, phrased for the client.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "Invalid video URL: " + e.Reason }
func (e *PolicyError) Unwrap() error { return domain.ErrInvalidArgument }

func policyErr(format string, args ...any) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// URLPolicy validates caller-supplied source URLs before they ever reach the
// download chain. The worker fetches arbitrary URLs, so the policy is the
// only thing standing between a submission and the pod's network.
type URLPolicy struct {
	// Strict restricts hosts to AllowedDomains (and their subdomains).
	Strict         bool
	AllowedDomains []string
	// lookupIP is swappable for tests.
	lookupIP func(host string) ([]net.IP, error)
}

// NewURLPolicy builds a policy from configuration.
func NewURLPolicy(strict bool, allowed []string) *URLPolicy {
	return &URLPolicy{Strict: strict, AllowedDomains: allowed, lookupIP: net.LookupIP}
}

// Validate rejects URLs that could reach internal infrastructure: bad
// schemes, embedded credentials, literal or resolved private addresses.
func (p *URLPolicy) Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return policyErr("malformed url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return policyErr("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return policyErr("credentials in url not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return policyErr("missing host")
	}

	if p.Strict && !p.hostAllowed(host) {
		return policyErr("host %q not in allow-list", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return policyErr("Blocked IP address: %s", host)
		}
		return nil
	}

	lookup := p.lookupIP
	if lookup == nil {
		lookup = net.LookupIP
	}
	ips, err := lookup(host)
	if err != nil {
		return policyErr("host does not resolve")
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return policyErr("host resolves to a blocked address")
		}
	}
	return nil
}

func (p *URLPolicy) hostAllowed(host string) bool {
	h := strings.ToLower(host)
	for _, d := range p.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if h == d || strings.HasSuffix(h, "."+d) {
			return true
		}
	}
	return false
}

// blockedIP covers loopback, RFC1918, link-local (incl. the cloud metadata
// range 169.254.0.0/16), CGNAT, unspecified and multicast addresses.
func blockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		// 0.0.0.0/8 "this network"
		if v4[0] == 0 {
			return true
		}
		// 100.64.0.0/10 carrier-grade NAT
		if v4[0] == 100 && v4[1]&0xc0 == 64 {
			return true
		}
	} else {
		// IPv6 unique local fc00::/7
		if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
			return true
		}
	}
	return false
}
