package urlutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	ErrScheme  = errors.New("url must use http or https protocol")
	ErrHost    = errors.New("url must have a valid hostname")
	ErrPrivate = errors.New("url must not point to a private/internal address")
)

// Normalize parses rawURL as an absolute http(s) URL. Scheme and host are
// lowercased, default ports and the fragment are dropped. The path and query
// are left alone since they are sent to the target as-is.
func Normalize(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("url is not a valid URL: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrScheme
	}
	if u.Hostname() == "" {
		return nil, ErrHost
	}
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = u.Hostname()
		if strings.Contains(u.Host, ":") {
			u.Host = "[" + u.Host + "]"
		}
	}
	u.Fragment = ""
	return u, nil
}

// CheckTarget normalizes rawURL and rejects hosts that resolve by name or
// literal to loopback, private, link-local or unspecified space.
// Hostnames are not resolved.
func CheckTarget(rawURL string) (*url.URL, error) {
	u, err := Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	if IsInternalHost(u.Hostname()) {
		return nil, ErrPrivate
	}
	return u, nil
}

// IsInternalHost reports whether host names a non-public address.
func IsInternalHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip := net.IP(addr.Unmap().AsSlice())
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
