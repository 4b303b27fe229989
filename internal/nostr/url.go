package nostr

import (
	"net"
	"net/url"
	"strings"

	"nostr-sync/internal/util"
)

// NormalizeURL validates a relay URL and returns its canonical form:
// lowercase scheme and host, no trailing slash. Returns "" if the URL is
// not a usable ws:// or wss:// address.
func NormalizeURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces and double protocols (wss://https://...)
	if strings.Contains(relayURL, "%20") || strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && !strings.Contains(host, ":") && host != "localhost" {
		return ""
	}

	hostport := host
	if strings.Contains(host, ":") {
		hostport = "[" + host + "]"
	}
	if parsed.Port() != "" {
		hostport += ":" + parsed.Port()
	}

	result := scheme + "://" + hostport + strings.TrimRight(parsed.Path, "/")
	if parsed.RawQuery != "" {
		result += "?" + parsed.RawQuery
	}
	return result
}

// IsSafeRelayURL reports whether a relay URL may be dialed.
// Loopback is allowed for development; private, link-local and
// internal-only destinations are refused.
func IsSafeRelayURL(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if util.IsLoopbackHost(host) {
		return true
	}
	if util.IsInternalHost(host) {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		return isSafeIP(ip)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still be reachable from the dialer
		return true
	}
	for _, ip := range ips {
		if !isSafeIP(ip) {
			return false
		}
	}
	return true
}

func isSafeIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	// Covers the 169.254.169.254 metadata endpoint
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}
