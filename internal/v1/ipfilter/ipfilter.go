// Package ipfilter evaluates remote addresses against the ordered
// whitelist/blacklist pattern list from the configuration document.
package ipfilter

import (
	"net"
	"strings"

	"github.com/ethsig/signalhub/internal/v1/config"
)

// Normalize strips the IPv4-mapped IPv6 prefix so CIDR matching operates
// on the plain IPv4 form reverse proxies usually report.
func Normalize(addr string) string {
	return strings.TrimPrefix(addr, "::ffff:")
}

// Allowed reports whether the address passes the filter list.
//
// When any whitelist entry exists the address must match at least one of
// them; a matching blacklist entry then still denies. With no filters
// configured everything is allowed.
func Allowed(addr string, filters []config.IPFilter) bool {
	ip := Normalize(addr)

	hasWhitelist := false
	whitelisted := false
	for _, f := range filters {
		if f.Type == config.FilterWhitelist {
			hasWhitelist = true
			if matches(ip, f.Pattern) {
				whitelisted = true
			}
		}
	}
	if hasWhitelist && !whitelisted {
		return false
	}

	for _, f := range filters {
		if f.Type == config.FilterBlacklist && matches(ip, f.Pattern) {
			return false
		}
	}
	return true
}

// matches checks one pattern: literal string equality, or IPv4 CIDR
// containment. IPv6 addresses only ever match literally.
func matches(ip, pattern string) bool {
	if ip == pattern {
		return true
	}
	if !strings.Contains(pattern, "/") {
		return false
	}

	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return false
	}
	_, network, err := net.ParseCIDR(pattern)
	if err != nil {
		return false
	}
	return network.Contains(parsed)
}
