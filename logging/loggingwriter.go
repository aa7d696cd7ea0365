package logging

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// LoggingWriter records the status code and the number of bytes written
// to the wrapped response writer.
type LoggingWriter struct {
	writer http.ResponseWriter
	code   int
	bytes  int64
}

func NewLoggingWriter(w http.ResponseWriter) *LoggingWriter {
	return &LoggingWriter{writer: w}
}

func (lw *LoggingWriter) Write(data []byte) (count int, err error) {
	if lw.code == 0 {
		lw.code = http.StatusOK
	}

	count, err = lw.writer.Write(data)
	lw.bytes += int64(count)
	return
}

func (lw *LoggingWriter) WriteHeader(code int) {
	lw.writer.WriteHeader(code)
	if code == 0 {
		code = 200
	}
	lw.code = code
}

func (lw *LoggingWriter) Header() http.Header {
	return lw.writer.Header()
}

func (lw *LoggingWriter) Flush() {
	if f, ok := lw.writer.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *LoggingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hij, ok := lw.writer.(http.Hijacker)
	if ok {
		return hij.Hijack()
	}
	return nil, nil, fmt.Errorf("could not hijack connection")
}

// Unwrap returns the wrapped writer, used by http.ResponseController.
func (lw *LoggingWriter) Unwrap() http.ResponseWriter {
	return lw.writer
}

// Committed tells whether the status line was already sent to the
// client, after which no other status can be returned.
func (lw *LoggingWriter) Committed() bool {
	return lw.code != 0
}

// GetCode returns the status code, or 0 when nothing was written.
func (lw *LoggingWriter) GetCode() int {
	return lw.code
}

// GetBytes returns the number of body bytes written.
func (lw *LoggingWriter) GetBytes() int64 {
	return lw.bytes
}
