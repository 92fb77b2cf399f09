package tracker

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Unknown is the identity assigned when no usable client address is present.
const Unknown = "unknown"

// ErrInvalidIdentity reports an identity that is not a valid IP address.
var ErrInvalidIdentity = errors.New("tracker: invalid identity")

// ResolveIdentity picks the client address for a request: the first hop of
// X-Forwarded-For, then X-Real-IP, then the transport peer. Malformed values
// are skipped and Unknown is returned when nothing usable remains.
func ResolveIdentity(r *http.Request) string {
	if r == nil {
		return Unknown
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if addr, err := parseAddressEntry(strings.TrimSpace(first)); err == nil {
			return addr.String()
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		if addr, err := parseAddressEntry(real); err == nil {
			return addr.String()
		}
	}
	if addr, err := parseAddressEntry(strings.TrimSpace(r.RemoteAddr)); err == nil {
		return addr.String()
	}
	return Unknown
}

// NormalizeIdentity validates an identity string and returns its canonical form.
func NormalizeIdentity(identity string) (string, error) {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" || strings.EqualFold(trimmed, Unknown) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return addr.Unmap().String(), nil
}

func validIdentity(identity string) (string, bool) {
	normalized, err := NormalizeIdentity(identity)
	return normalized, err == nil
}

func parseAddressEntry(value string) (netip.Addr, error) {
	if value == "" {
		return netip.Addr{}, net.InvalidAddrError("empty address")
	}
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr.Unmap(), nil
	}
	if addrPort, err := netip.ParseAddrPort(value); err == nil {
		return addrPort.Addr().Unmap(), nil
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, err
		}
		return addr.Unmap(), nil
	}
	return netip.Addr{}, net.InvalidAddrError("invalid address entry")
}
