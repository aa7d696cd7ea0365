package resolver

import (
	"context"
	"fmt"

	"github.com/pyramidproxy/pyramidproxy/backend"
)

// Static resolves keys from a fixed table.
type Static map[string]backend.Address

// ParseStatic creates a static table from key to host:port entries.
func ParseStatic(routes map[string]string) (Static, error) {
	s := make(Static, len(routes))
	for k, v := range routes {
		a, err := backend.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("invalid route %s: %w", k, err)
		}

		s[k] = a
	}

	return s, nil
}

func (s Static) Resolve(_ context.Context, r Request) (backend.Address, error) {
	a, ok := s[r.Key]
	if !ok {
		return backend.Address{}, &Error{Key: r.Key, Err: ErrUnknownKey}
	}

	return a, nil
}

// Chain tries the resolvers in order and returns the first address found.
// Only ErrUnknownKey failures fall through to the next resolver.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, r Request) (backend.Address, error) {
	err := error(&Error{Key: r.Key, Err: ErrUnknownKey})
	for _, ri := range c {
		var a backend.Address
		a, err = ri.Resolve(ctx, r)
		if err == nil {
			return a, nil
		}

		if !isUnknownKey(err) {
			return backend.Address{}, err
		}
	}

	return backend.Address{}, err
}
