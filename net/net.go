/*
Package net contains the network helpers of the proxy: the X-Forwarded-*
header setter, the listener tracking the open client connections for a
graceful shutdown, and parsing of CIDR lists.
*/
package net

import (
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// RemoteAddr returns the remote address of the client. When the
// 'X-Forwarded-For' header is set, then it is used instead. This is
// how most often proxies behave. Wikipedia shows the format
// https://en.wikipedia.org/wiki/X-Forwarded-For#Format
//
// Example:
//
//	X-Forwarded-For: client, proxy1, proxy2
func RemoteAddr(r *http.Request) netip.Addr {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		s, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(stripPort(strings.TrimSpace(s))); err == nil {
			return addr
		}
	}
	addr, _ := netip.ParseAddr(stripPort(r.RemoteAddr))
	return addr
}

// ParseIPCIDRs returns a valid IPSet even in case there are parsing
// errors of some partial provided input cidrs. So recently added
// bogus values can be logged and ignored at runtime.
func ParseIPCIDRs(cidrs []string) (*netipx.IPSet, error) {
	var (
		b   netipx.IPSetBuilder
		err error
	)

	for _, w := range cidrs {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}

		if strings.Contains(w, "/") {
			if pref, e := netip.ParsePrefix(w); e != nil {
				err = e
			} else {
				b.AddPrefix(pref)
			}
		} else if addr, e := netip.ParseAddr(w); e != nil {
			err = e
		} else {
			b.Add(addr)
		}
	}

	ips, e := b.IPSet()
	if e != nil {
		return ips, e
	}

	return ips, err
}
