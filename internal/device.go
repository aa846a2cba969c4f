package internal

import (
	"net"
	"strings"
	"unicode"
)

const maxDeviceLabel = 128

// DeviceLabel turns a client-supplied device description (usually a
// User-Agent) into the label stored on a session: control characters
// removed, whitespace collapsed, capped at 128 runes.
func DeviceLabel(v string) string {
	var b strings.Builder
	runes := 0
	space := false
	for _, r := range strings.TrimSpace(v) {
		if runes >= maxDeviceLabel {
			break
		}
		switch {
		case unicode.IsSpace(r):
			if space {
				continue
			}
			space = true
			r = ' '
		case unicode.IsControl(r):
			continue
		default:
			space = false
		}
		b.WriteRune(r)
		runes++
	}
	return b.String()
}

// NormalizeIP returns the canonical text form of an address with any port
// stripped, or "" when v is not an IP address.
func NormalizeIP(v string) string {
	v = strings.TrimSpace(v)
	if host, _, err := net.SplitHostPort(v); err == nil {
		v = host
	}
	ip := net.ParseIP(v)
	if ip == nil {
		return ""
	}
	return ip.String()
}
