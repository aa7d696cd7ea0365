/*
Package metrics implements collection of the performance metrics of the
proxy.

It uses the Prometheus client library:

https://github.com/prometheus/client_golang

The collected metrics include the time of resolving routing keys, the
route cache hits, misses and evictions, the time waiting for the response
headers from the backend services, the total serve time, and the number
of backend connect failures, idle timeouts and streaming errors.

# Options

The metrics are exposed on the support listener under the /metrics path.
The Go runtime and process collectors can be enabled with
EnableRuntimeMetrics. Per backend labels are only recorded when
EnableBackendHostMetrics is set, to keep the cardinality bounded when the
backend set is large.
*/
package metrics
