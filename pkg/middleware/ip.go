package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// isPublicIP returns true if ip isn't a private, loopback, or link-local
// address.  Proxies in front of the service use such addresses.
func isPublicIP(ip netip.Addr) (ok bool) {
	return ip.IsValid() &&
		!ip.IsPrivate() &&
		!ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() &&
		!ip.IsUnspecified()
}

// parseIP parses a header value, returning an invalid address for garbage.
func parseIP(s string) (ip netip.Addr) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}
	}

	return ip.Unmap()
}

// ClientIP returns the address of the client that made r.  When trustFwd is
// true, the first public address in X-Forwarded-For is preferred, then
// X-Real-IP.  Otherwise, and as the fallback, the peer address is used.  The
// result is invalid if there is no usable address.
func ClientIP(r *http.Request, trustFwd bool) (ip netip.Addr) {
	if trustFwd {
		// For example, "203.0.113.1, 10.0.1.24".
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip = parseIP(part); isPublicIP(ip) {
					return ip
				}
			}
		}

		if ip = parseIP(r.Header.Get("X-Real-IP")); isPublicIP(ip) {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return parseIP(host)
}
