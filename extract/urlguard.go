package extract

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// blockedHosts are never fetched regardless of allowlist.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"0.0.0.0":                  true,
	"::1":                      true,
	"169.254.169.254":          true,
	"metadata.google.internal": true,
}

// CheckURLHost validates the scheme and host of a URL source without
// touching the network: http/https only, host not blocked, host on the
// allowlist when one is configured, and any literal IP public. It runs
// at upload time so a blocked URL is rejected synchronously.
func CheckURLHost(raw string, allowlist []string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("only http and https urls are supported")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if blockedHosts[host] {
		return nil, fmt.Errorf("host %q is blocked", host)
	}
	if len(allowlist) > 0 && !hostAllowed(host, allowlist) {
		return nil, fmt.Errorf("host %q is not on the allowlist", host)
	}
	if ip := net.ParseIP(host); ip != nil && !isPublicIP(ip) {
		return nil, fmt.Errorf("address %s is not public", ip)
	}
	return parsed, nil
}

// checkURL runs the host checks and then resolves the host, requiring
// every resolved address to be public so a DNS answer cannot point the
// fetch at internal infrastructure. Literal IPs skip DNS.
func checkURL(ctx context.Context, raw string, allowlist []string) (*url.URL, error) {
	parsed, err := CheckURLHost(raw, allowlist)
	if err != nil {
		return nil, err
	}
	host := strings.ToLower(parsed.Hostname())
	if net.ParseIP(host) != nil {
		return parsed, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("host %q did not resolve", host)
	}
	for _, addr := range addrs {
		if !isPublicIP(addr.IP) {
			return nil, fmt.Errorf("host %q resolves to non-public address %s", host, addr.IP)
		}
	}
	return parsed, nil
}

// hostAllowed matches exact entries plus "*.domain" / ".domain" wildcards,
// which also accept the bare domain.
func hostAllowed(host string, allowlist []string) bool {
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if domain, ok := strings.CutPrefix(entry, "*."); ok {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
			continue
		}
		if domain, ok := strings.CutPrefix(entry, "."); ok {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified())
}
