// Package security validates outbound media URLs before the worker fetches them.
package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Resolver looks up the addresses of a host
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

// URLValidator blocks non-http(s) schemes and hosts that resolve to internal addresses
type URLValidator struct {
	allowedSchemes map[string]bool
	blockedHosts   map[string]bool
	resolve        Resolver
}

// NewURLValidator creates a validator using the system resolver
func NewURLValidator() *URLValidator {
	return NewURLValidatorWithResolver(func(ctx context.Context, host string) ([]net.IP, error) {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		return ips, nil
	})
}

// NewURLValidatorWithResolver creates a validator with a custom resolver
func NewURLValidatorWithResolver(resolve Resolver) *URLValidator {
	return &URLValidator{
		allowedSchemes: map[string]bool{"http": true, "https": true},
		blockedHosts: map[string]bool{
			"localhost":                true,
			"localhost.localdomain":    true,
			"metadata.google.internal": true,
		},
		resolve: resolve,
	}
}

// Validate checks scheme, host name, and every address the host resolves to
func (v *URLValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !v.allowedSchemes[scheme] {
		return fmt.Errorf("scheme %q is not allowed (only http/https permitted)", u.Scheme)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("hostname is required")
	}
	if v.blockedHosts[host] || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("hostname %q is blocked", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := v.resolve(ctx, host)
	if err != nil {
		// resolution failures surface as a download error on the real request
		return nil
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("host %q: %w", host, err)
		}
	}

	return nil
}
