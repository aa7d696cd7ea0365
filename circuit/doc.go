/*
Package circuit implements per backend circuit breakers for the proxy.

A breaker is always assigned to a single backend address, so that failing to reach one backend never affects
the sessions routed to another one. The Registry ensures synchronized access to the active breakers and
releases the idle ones.

The breaker opens when the proxy couldn't connect to a backend, or the backend stayed silent longer than the
idle timeout, at least N times in a row. While open, the proxy responds with 503 Service Unavailable without
dialing the backend. After the configured timeout the breaker goes half-open and lets M requests through. If any
of them fails it opens again, if all succeed it closes.

Settings can be defined globally, by leaving the Host field empty, and per backend address. The per backend
settings use the global ones as defaults:

	pyramidproxy -breaker type=consecutive,failures=5,timeout=10s \
		-breaker host=localhost:8090,failures=2

The Disabled type switches the breaker off for an individual backend.
*/
package circuit
