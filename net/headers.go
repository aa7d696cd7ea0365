package net

import (
	"net"
	"net/http"
	"strings"
)

// ForwardedHeaders sets the non-standard X-Forwarded-* headers on the
// requests sent to the backends.
// See https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers#proxies
type ForwardedHeaders struct {
	// Sets or appends request remote IP to the X-Forwarded-For header
	For bool
	// Sets or prepends request remote IP to the X-Forwarded-For header, overrides For
	PrependFor bool
	// Sets X-Forwarded-Host to the request host
	Host bool
	// Sets X-Forwarded-Proto to http or https, depending on whether the
	// client connection is TLS
	Proto bool
}

// Enabled tells whether Set changes anything.
func (h *ForwardedHeaders) Enabled() bool {
	return h.For || h.PrependFor || h.Host || h.Proto
}

// Set updates the headers of req from its RemoteAddr, Host and TLS
// fields. Multiple X-Forwarded-For header lines are joined into a single
// comma separated value.
func (h *ForwardedHeaders) Set(req *http.Request) {
	if (h.For || h.PrependFor) && req.RemoteAddr != "" {
		addr := stripPort(req.RemoteAddr)

		v := strings.Join(req.Header.Values("X-Forwarded-For"), ", ")
		if v == "" {
			v = addr
		} else if h.PrependFor {
			v = addr + ", " + v
		} else {
			v = v + ", " + addr
		}
		req.Header.Set("X-Forwarded-For", v)
	}

	if h.Host {
		req.Header.Set("X-Forwarded-Host", req.Host)
	}

	if h.Proto {
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}

		req.Header.Set("X-Forwarded-Proto", proto)
	}
}

// stripped from IPv6 brackets too
func stripPort(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}

	return address
}
