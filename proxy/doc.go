/*
Package proxy implements an HTTP reverse proxy that forwards each
request to a backend selected by the routing key of the request.

# Proxy Mechanism

1. routing key extraction:

The routing key is taken from the routing key query parameter, from the
path between the ~~~PyramidID~~~ and ~~~ markers, or, when neither is
present, the server port parameter selects a port on the backend host.
Requests without any of these go to the fallback backend, if configured,
otherwise they fail with a configuration error.

2. resolution:

The routing key is resolved to a backend address by the configured
resolver, typically a resolver.Cache in front of the actual resolvers.
Resolution errors are returned to the client as 500 responses and they
are not cached.

3. forwarding the request:

Every request is handled by its own session. The outgoing request is a
copy of the incoming one, with the Host header replaced by the canonical
host of the backend address, and optionally the client address appended
to the X-Forwarded-For header. The request body is streamed to the
backend.

4. streaming the response:

The status and the headers of the backend response are copied to the
client exactly once. When enabled, the Location header of 301 and 302
responses pointing to the backend is rewritten to the host that the
client used. The response body is streamed in chunks, and the next
chunk is read from the backend only after the previous one was written
to the client and flushed.

5. closing:

A session is closed exactly once: when the response was streamed, when
it was idle longer than the timeout, when connecting to the backend
failed, or when the client went away. When the response was not
committed yet, the client receives a 500 response with a plain text
body starting with "Proxy: ", otherwise the client connection is
aborted, and the client sees a truncated response.

Connect failures and timeouts are reported to the FailureHandler.

# Circuit Breakers

When a circuit.Registry is set, the consecutive connect failures and
timeouts of a backend open its breaker, and while open, the proxy
responds with 503 without connecting to the backend.

# Alive Status

The proxy answers the requests to DefaultAliveStatusPath itself, with
the body "Proxy-Alive".
*/
package proxy
