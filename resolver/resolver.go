/*
Package resolver maps routing keys to backend addresses.

A Resolver is consulted by the proxy for every request that carries a
routing key. Resolution can be expensive, it may read configuration files
from disk, so the results are memoized in a bounded Cache, evicting the
least recently used keys when the capacity is exceeded. Failed
resolutions are never cached.

The KeyExtractor finds the routing key of a request: the routing key
query parameter, the key embedded in the path between the
~~~PyramidID~~~ and ~~~ markers, or the server port override parameter,
in this order.
*/
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/pyramidproxy/pyramidproxy/backend"
)

var (
	// ErrMalformedKey is returned when the routing key contains
	// characters that are not allowed.
	ErrMalformedKey = errors.New("malformed routing key")

	// ErrUnknownKey is returned when no backend is known for the key.
	ErrUnknownKey = errors.New("unknown routing key")

	// ErrUnknownFormat is returned when the key resolves to a data
	// format that no backend service serves.
	ErrUnknownFormat = errors.New("service not found for format")

	// ErrNoRoutingKey is returned by the KeyExtractor when the request
	// carries none of the supported routing keys.
	ErrNoRoutingKey = errors.New("no routing key in request")
)

// Request contains what a resolver may use to find the backend.
type Request struct {
	Key   string
	URI   string
	Query url.Values
}

// Resolver finds the backend address for a routing key. Implementations
// must be safe for concurrent use.
type Resolver interface {
	Resolve(context.Context, Request) (backend.Address, error)
}

// Func adapts a function to the Resolver interface.
type Func func(context.Context, Request) (backend.Address, error)

func (f Func) Resolve(ctx context.Context, r Request) (backend.Address, error) {
	return f(ctx, r)
}

// Error is returned by the resolvers of this package when a key cannot be
// resolved.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to resolve routing key %q: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func isUnknownKey(err error) bool {
	return errors.Is(err, ErrUnknownKey)
}
