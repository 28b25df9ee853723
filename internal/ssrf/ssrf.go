// Package ssrf validates outbound URLs before the service connects to
// them, so a hostile forward or replay target can't steer requests at
// internal infrastructure.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Code classifies why a URL was rejected.
type Code string

const (
	CodeInvalidURL            Code = "INVALID_URL"
	CodeProtocolNotAllowed    Code = "PROTOCOL_NOT_ALLOWED"
	CodeCredentialsNotAllowed Code = "CREDENTIALS_NOT_ALLOWED"
	CodeResolutionFailed      Code = "HOSTNAME_RESOLUTION_FAILED"
	CodeInternalIP            Code = "INTERNAL_IP"
)

// ValidationError is returned for every rejected URL.
type ValidationError struct {
	Code    Code
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code Code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Target is a validated outbound destination. Href is the canonical URL
// to request; Host is the original host (with port when present), used
// for the outbound Host header.
type Target struct {
	Href string
	Host string
	URL  *url.URL
}

// blockedNetworks covers loopback, RFC1918, link-local, CGNAT, multicast,
// reserved and broadcast ranges plus the common cloud metadata addresses,
// for both address families.
var blockedNetworks = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"169.254.169.254/32",
		"100.100.100.200/32",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"255.255.255.255/32",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("BUG: cannot parse blocked CIDR %q: %s", cidr, err))
		}
		nets = append(nets, ipnet)
	}
	return nets
}()

func isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range blockedNetworks {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

type resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator checks outbound URLs. The zero value is not usable; construct
// with New.
type Validator struct {
	resolver       resolver
	resolveTimeout time.Duration
}

func New() *Validator {
	return &Validator{
		resolver:       net.DefaultResolver,
		resolveTimeout: 5 * time.Second,
	}
}

// Validate parses and vets rawURL. Every resolved address must be outside
// the blocked ranges: a single internal A or AAAA record rejects the whole
// URL, which also defeats DNS answers that mix public and internal
// addresses.
func (v *Validator) Validate(ctx context.Context, rawURL string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, reject(CodeInvalidURL, "cannot parse URL %q: %s", rawURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, reject(CodeProtocolNotAllowed, "protocol %q is not allowed, only http and https", u.Scheme)
	}

	if u.User != nil {
		return nil, reject(CodeCredentialsNotAllowed, "credentials in the URL are not allowed")
	}

	host := u.Hostname()
	if host == "" {
		return nil, reject(CodeInvalidURL, "URL %q has no host", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, reject(CodeInternalIP, "address %s is in a blocked range", ip)
		}
		return &Target{Href: u.String(), Host: u.Host, URL: u}, nil
	}

	rctx, cancel := context.WithTimeout(ctx, v.resolveTimeout)
	defer cancel()
	addrs, err := v.resolver.LookupIPAddr(rctx, host)
	if err != nil {
		return nil, reject(CodeResolutionFailed, "cannot resolve host %q: %s", host, err)
	}
	if len(addrs) == 0 {
		return nil, reject(CodeResolutionFailed, "host %q resolved to no addresses", host)
	}

	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return nil, reject(CodeInternalIP, "host %q resolves to blocked address %s", host, addr.IP)
		}
	}

	return &Target{Href: u.String(), Host: u.Host, URL: u}, nil
}
