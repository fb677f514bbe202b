package common

import (
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the address used to key per-till limits. The left-most
// parseable X-Forwarded-For entry wins, then X-Real-IP, then the socket peer.
// Unparseable header values are skipped rather than trusted verbatim.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, ok := parseAddr(part); ok {
			return addr
		}
	}
	if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return addr
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap().String()
	}
	if addr, ok := parseAddr(remote); ok {
		return addr
	}
	return remote
}

func parseAddr(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
