package proxy

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pyramidproxy/pyramidproxy/backend"
)

// rewriteLocation replaces the authority of an absolute http location
// pointing to the backend with the host that the client used. The rest
// of the location is kept as is. Relative locations, and locations
// pointing elsewhere, are returned unchanged.
func rewriteLocation(location string, a backend.Address, clientHost string, clientTLS bool) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return location, err
	}

	if u.Scheme != "http" || u.Host == "" || clientHost == "" {
		return location, nil
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}

	if !strings.EqualFold(u.Hostname(), a.Host()) || port != strconv.Itoa(a.Port()) {
		return location, nil
	}

	rest := location[len("http://"):]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}

	authority, tail := rest[:end], rest[end:]

	var userinfo string
	if i := strings.LastIndex(authority, "@"); i >= 0 {
		userinfo = authority[:i+1]
	}

	scheme, defaultPort := "http://", "80"
	if clientTLS {
		scheme, defaultPort = "https://", "443"
	}

	return scheme + userinfo + stripDefaultPort(clientHost, defaultPort) + tail, nil
}

// stripDefaultPort drops the port of host when it is the default port of
// the scheme. IPv6 hosts keep their brackets.
func stripDefaultPort(host, defaultPort string) string {
	if _, port, err := net.SplitHostPort(host); err == nil && port == defaultPort {
		return host[:len(host)-len(port)-1]
	}

	return host
}
