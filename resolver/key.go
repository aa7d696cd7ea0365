package resolver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	DefaultKeyParameter        = "pyramidId"
	DefaultPathPrefix          = "~~~PyramidID~~~"
	DefaultPathSuffix          = "~~~"
	DefaultServerPortParameter = "serverPort"
)

// Key is the routing key found in a request. Either ID is set, or only
// Port, when the request overrides the backend port directly.
type Key struct {
	ID   string
	Port int
}

// KeyExtractor finds the routing key of requests. The zero value uses the
// default parameter names and path markers.
type KeyExtractor struct {
	KeyParameter        string
	PathPrefix          string
	PathSuffix          string
	ServerPortParameter string

	// SegmentPrefixes are path prefixes, ending with a slash, after which
	// the next path segment is taken as the routing key, e.g. the key of
	// /pyramids/p1/tile is p1 for the prefix /pyramids/.
	SegmentPrefixes []string
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}

	return s
}

func findBetween(s, prefix, suffix string) (string, bool) {
	p := strings.Index(s, prefix)
	if p < 0 {
		return "", false
	}

	s = s[p+len(prefix):]
	q := strings.Index(s, suffix)
	if q < 0 {
		return "", false
	}

	return s[:q], true
}

func findSegment(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}

	id, _, found := strings.Cut(path[len(prefix):], "/")
	return id, found
}

// Extract returns the routing key of the request. It fails with
// ErrNoRoutingKey when the request carries no key, and with
// ErrMalformedKey when the port override is not a positive integer.
func (e *KeyExtractor) Extract(r *http.Request) (Key, error) {
	q := r.URL.Query()
	if id := q.Get(orDefault(e.KeyParameter, DefaultKeyParameter)); id != "" {
		return Key{ID: id}, nil
	}

	prefix := orDefault(e.PathPrefix, DefaultPathPrefix)
	suffix := orDefault(e.PathSuffix, DefaultPathSuffix)
	if id, ok := findBetween(r.URL.Path, prefix, suffix); ok {
		return Key{ID: id}, nil
	}

	for _, sp := range e.SegmentPrefixes {
		if id, ok := findSegment(r.URL.Path, sp); ok {
			return Key{ID: id}, nil
		}
	}

	portParam := orDefault(e.ServerPortParameter, DefaultServerPortParameter)
	if ps := q.Get(portParam); ps != "" {
		port, err := strconv.Atoi(ps)
		if err != nil || port <= 0 {
			return Key{}, &Error{Key: ps, Err: fmt.Errorf("%w: invalid %s", ErrMalformedKey, portParam)}
		}

		return Key{Port: port}, nil
	}

	return Key{}, ErrNoRoutingKey
}
