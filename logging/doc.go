/*
Package logging implements application log instrumentation and the Apache
combined access log of the proxy.

# Application Log

The application log uses the logrus package:

https://github.com/sirupsen/logrus

Components receive a Logger by injection. When none is given, they use
the DefaultLog, which writes to the logrus standard logger. Log entries
of a proxy session carry the request-id and backend fields.

During startup initialization, it is possible to redirect the log output
from the default /dev/stderr to another file, to set the level, to switch
to JSON output, and to set a common prefix for each log entry. Setting
the prefix may be a good idea when the access log is enabled and its
output is the same as the one of the application log, to make it easier
to split the output for diagnostics.

# Access Log

The access log prints HTTP access information in the Apache combined
access log format, extended with the duration in milliseconds and the
requested host. To output entries, use the LogAccess function. The proxy
handler calls it for every request, including the failed ones.

# Response Tracking

The LoggingWriter wraps the http.ResponseWriter of a client and records
the status code and the number of body bytes written. The proxy uses it
to decide whether an error response can still be sent or the client
connection has to be aborted.
*/
package logging
