/*
Package backend contains the address value used to identify the server a
request is proxied to.
*/
package backend

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidArgument is wrapped by the errors returned when an address
// cannot be constructed.
var ErrInvalidArgument = errors.New("invalid argument")

// Address is an immutable host and port pair. Two addresses are equal when
// both their host and port are equal, so Address values can be compared
// with == and used as map keys.
type Address struct {
	host string
	port int
}

// NewAddress creates an address. The host must not be empty and the port
// must be positive.
func NewAddress(host string, port int) (Address, error) {
	if host == "" {
		return Address{}, fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}

	if port <= 0 {
		return Address{}, fmt.Errorf("%w: port %d is not positive", ErrInvalidArgument, port)
	}

	return Address{host: host, port: port}, nil
}

// MustAddress is like NewAddress but panics on invalid input. Meant for
// tests and static tables.
func MustAddress(host string, port int) Address {
	a, err := NewAddress(host, port)
	if err != nil {
		panic(err)
	}

	return a
}

// ParseAddress parses host:port.
func ParseAddress(s string) (Address, error) {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	port, err := strconv.Atoi(p)
	if err != nil {
		return Address{}, fmt.Errorf("%w: invalid port %q", ErrInvalidArgument, p)
	}

	return NewAddress(h, port)
}

func (a Address) Host() string { return a.host }
func (a Address) Port() int    { return a.port }

// IsZero tells whether a is the zero value, which is never a valid
// address.
func (a Address) IsZero() bool { return a.host == "" && a.port == 0 }

// CanonicalHost returns the value of the Host header for requests sent to
// this address: the host alone for port 80, host:port otherwise. IPv6
// hosts are enclosed in brackets.
func (a Address) CanonicalHost() string {
	if a.port == 80 {
		if strings.Contains(a.host, ":") {
			return "[" + a.host + "]"
		}

		return a.host
	}

	return a.String()
}

// String returns host:port.
func (a Address) String() string {
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}
