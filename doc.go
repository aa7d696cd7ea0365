/*
Package pyramidproxy provides an HTTP reverse proxy in front of a
dynamically changing set of backend services, selected by a routing key
carried by every request.

The proxy streams the request to the backend and the response back to
the client, without buffering either body in memory. It rewrites the
Host header to the backend, appends the client address to the
X-Forwarded-For header, and, on 301 and 302 responses, rewrites the
Location header when it points to the backend itself. A session that
stays idle longer than the timeout is closed: before the response status
was sent, the client receives a 500 response, afterwards the connection
is dropped.

# Routing keys

The routing key is found in the request, in this order:

  - the pyramidId query parameter,
  - a path segment between the ~~~PyramidID~~~ and ~~~ markers,
  - the serverPort query parameter, overriding the backend port on the
    backend host directly.

The keys are resolved to host:port addresses by static routes, or by
reading the configuration files of the keys under the pyramid
configuration root. The resolved addresses are cached in a bounded LRU
cache.

# Quickstart

Start a proxy with a static route:

	pyramidproxy -address :8080 -routes p1=localhost:9001

and send a request:

	curl 'localhost:8080/tiles/0/0?pyramidId=p1'

The /health and the /metrics endpoints are served by the support
listener, on :9911 by default.

# Shutdown

On SIGTERM or SIGINT, the health endpoint reports the shutdown, and
after the -wait-for-shutdown delay the listener is closed and the
in-flight sessions are completed. The same happens when the finish
command key file, .command.<port>.finish, appears in the folder set by
-system-commands-folder. The key file is removed once the proxy has
finished.
*/
package pyramidproxy
