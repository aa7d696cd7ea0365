package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/logging"
)

type sessionState int

const (
	connecting sessionState = iota
	forwardingRequest
	awaitingResponseHeaders
	streamingResponseBody
	closed
)

func (s sessionState) String() string {
	switch s {
	case connecting:
		return "connecting"
	case forwardingRequest:
		return "forwarding request"
	case awaitingResponseHeaders:
		return "awaiting response headers"
	case streamingResponseBody:
		return "streaming response body"
	default:
		return "closed"
	}
}

type flushedResponseWriter interface {
	http.ResponseWriter
	http.Flusher
}

// session owns a single proxied exchange: the client response and at
// most one backend connection. The ResponseWriter is used only by the
// handler goroutine. The watchdog and the client close callback only
// set the latches and cancel the backend I/O.
type session struct {
	proxy   *Proxy
	id      string
	address backend.Address
	w       *logging.LoggingWriter
	rc      *http.ResponseController
	r       *http.Request
	log     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	// unix nanoseconds
	lastActivity atomic.Int64

	mu            sync.Mutex
	state         sessionState
	response      *http.Response
	firstReply    bool
	backendClosed bool
	allClosed     bool
	timedOut      bool
	clientGone    bool
	failure       bool
	errMessage    string
}

type activityReader struct {
	io.ReadCloser
	touch func()
}

func (r *activityReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.touch()
	}

	return n, err
}

func newSession(p *Proxy, w *logging.LoggingWriter, r *http.Request, a backend.Address) *session {
	id := uuid.NewString()
	s := &session{
		proxy:   p,
		id:      id,
		address: a,
		w:       w,
		rc:      http.NewResponseController(w),
		r:       r,
		log: p.log.WithFields(map[string]any{
			"request-id": id,
			"backend":    a.String(),
		}),
	}

	s.ctx, s.cancel = context.WithCancel(r.Context())
	return s
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allClosed && st > s.state {
		s.state = st
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allClosed
}

func (s *session) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure || s.timedOut
}

func (s *session) requestURL() string {
	scheme := "http"
	if s.r.TLS != nil {
		scheme = "https"
	}

	return scheme + "://" + s.r.Host + s.r.URL.RequestURI()
}

// outgoingRequest copies the inbound request for the backend, replacing
// the Host header with the canonical host of the backend.
func (s *session) outgoingRequest() (*http.Request, error) {
	if s.proxy.forwarded.Enabled() {
		s.proxy.forwarded.Set(s.r)
	}

	u := &url.URL{
		Scheme:   "http",
		Host:     s.address.String(),
		Path:     s.r.URL.Path,
		RawPath:  s.r.URL.RawPath,
		RawQuery: s.r.URL.RawQuery,
	}

	var body io.ReadCloser
	if s.r.Body != nil && s.r.Body != http.NoBody && s.r.ContentLength != 0 {
		body = &activityReader{ReadCloser: s.r.Body, touch: s.touch}
	}

	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			s.touch()
			s.setState(forwardingRequest)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			s.touch()
			s.setState(awaitingResponseHeaders)
		},
	}

	out, err := http.NewRequestWithContext(httptrace.WithClientTrace(s.ctx, trace), s.r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}

	out.ContentLength = s.r.ContentLength
	out.Header = s.r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}

	// net/http sets its own User-Agent when the header is missing
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header["User-Agent"] = []string{""}
	}

	out.Header.Del("Host")
	out.Host = s.address.CanonicalHost()
	return out, nil
}

// run proxies the exchange and returns when the session is closed.
func (s *session) run() {
	s.touch()
	s.timer = time.AfterFunc(s.proxy.timeout, s.checkIdle)
	defer s.timer.Stop()

	stop := context.AfterFunc(s.r.Context(), s.clientClosed)
	defer stop()

	defer s.cancel()

	out, err := s.outgoingRequest()
	if err != nil {
		s.log.Errorf("failed to create backend request: %v", err)
		s.fail(fmt.Sprintf("Invalid request: %v", err))
		return
	}

	backendStart := time.Now()
	rsp, err := s.proxy.roundTripper.RoundTrip(out)
	if err != nil {
		s.roundTripFailed(err)
		return
	}

	defer rsp.Body.Close()
	s.proxy.metrics.MeasureBackend(s.address.String(), backendStart)

	if !s.receivedResponse(rsp) {
		return
	}

	if !s.writeResponseHeaders(rsp) {
		return
	}

	s.streamResponseBody(rsp)
}

func (s *session) roundTripFailed(err error) {
	if s.isClosed() {
		s.log.Debugf("backend roundtrip ended after close: %v", err)
		return
	}

	s.proxy.metrics.IncErrorsBackend(s.address.String())
	if isDialError(err) {
		s.log.Infof("cannot connect to %s: %v", s.address, err)
		if s.fail("Cannot connect to the server") {
			s.proxy.notifyConnectFailed(ConnectFailure{
				Address:   s.address,
				RequestID: s.id,
				Err:       err,
			})
		}

		return
	}

	s.log.Infof("error while forwarding request to %s: %v", s.address, err)
	s.fail(fmt.Sprintf("Error while forwarding request to %s", s.address))
}

// receivedResponse stores the backend response as the live backend
// connection, unless the session was closed in the meantime.
func (s *session) receivedResponse(rsp *http.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allClosed {
		return false
	}

	s.response = rsp
	return true
}

// writeResponseHeaders copies the status and the headers of the backend
// response, exactly once. It returns false when the session was closed
// before.
func (s *session) writeResponseHeaders(rsp *http.Response) bool {
	s.mu.Lock()
	if s.allClosed || s.firstReply {
		s.mu.Unlock()
		return false
	}

	s.firstReply = true
	s.mu.Unlock()

	s.touch()
	h := s.w.Header()
	for k, vv := range rsp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}

	if s.proxy.correctLocations && (rsp.StatusCode == http.StatusMovedPermanently || rsp.StatusCode == http.StatusFound) {
		s.correctLocations(h)
	}

	s.w.WriteHeader(rsp.StatusCode)
	s.w.Flush()
	s.setState(streamingResponseBody)
	return true
}

func (s *session) correctLocations(h http.Header) {
	locations := h.Values("Location")
	if len(locations) == 0 {
		return
	}

	corrected := make([]string, len(locations))
	for i, l := range locations {
		c, err := rewriteLocation(l, s.address, s.r.Host, s.r.TLS != nil)
		if err != nil {
			s.log.Warnf("invalid Location header %q: %v", l, err)
		}

		corrected[i] = c
	}

	h["Location"] = corrected
}

func (s *session) streamResponseBody(rsp *http.Response) {
	err := copyStream(s.w, rsp.Body, s.touch)
	if err == nil {
		s.close()
		return
	}

	if s.isClosed() {
		s.log.Debugf("response streaming ended after close: %v", err)
		return
	}

	s.proxy.metrics.IncErrorsStreaming(s.address.String())
	s.log.Infof("error while streaming the response of %s: %v", s.address, err)
	s.closeAndReturnError(fmt.Sprintf("Error while reading from %s", s.address))
}

// copies a stream with flushing on every successful read operation
// (similar to io.Copy but with flushing). The next read is issued only
// after the previous chunk was written and flushed.
func copyStream(to flushedResponseWriter, from io.Reader, touch func()) error {
	b := make([]byte, proxyBufferSize)

	for {
		l, rerr := from.Read(b)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}

		if l > 0 {
			touch()
			_, werr := to.Write(b[:l])
			if werr != nil {
				return werr
			}

			to.Flush()
			touch()
		}

		if rerr == io.EOF {
			return nil
		}
	}
}

func (s *session) checkIdle() {
	if s.isClosed() {
		return
	}

	idle := time.Since(time.Unix(0, s.lastActivity.Load()))
	if idle < s.proxy.timeout {
		s.timer.Reset(s.proxy.timeout - idle)
		return
	}

	s.onTimeout()
}

func (s *session) onTimeout() {
	var (
		state     sessionState
		streaming bool
	)

	if !s.closeWith(fmt.Sprintf("Timeout while reading from %s", s.address), func() {
		state = s.state
		streaming = s.firstReply
		s.timedOut = true
	}) {
		return
	}

	s.log.Infof("session timed out while %s", state)

	// interrupts a blocked write to a slow client. Before the first
	// reply, the handler goroutine doesn't write anymore.
	if streaming {
		_ = s.rc.SetWriteDeadline(time.Now())
	}

	s.proxy.metrics.IncTimeouts(s.address.String())
	s.proxy.notifyTimeout(Timeout{
		Address:    s.address,
		RequestURL: s.requestURL(),
	})
}

func (s *session) clientClosed() {
	if s.closeWith("", func() { s.clientGone = true }) {
		s.log.Infof("client closed the connection to %s", s.address)
	}
}

func (s *session) fail(message string) bool {
	return s.closeWith(message, func() { s.failure = true })
}

// closeAndReturnError closes the session, and the client receives a 500
// response with the message, or, when the response was already
// committed, a truncated response.
func (s *session) closeAndReturnError(message string) bool {
	return s.closeWith(message, nil)
}

// close closes the session normally. It returns false when the session
// was already closed.
func (s *session) close() bool {
	return s.closeWith("", nil)
}

func (s *session) closeWith(message string, latch func()) bool {
	s.mu.Lock()
	if s.allClosed {
		s.mu.Unlock()
		return false
	}

	if latch != nil {
		latch()
	}

	s.allClosed = true
	s.state = closed
	s.errMessage = message

	s.mu.Unlock()

	s.closeBackend()
	return true
}

// closeBackend tears down the backend connection, silently.
func (s *session) closeBackend() {
	s.mu.Lock()
	if s.backendClosed {
		s.mu.Unlock()
		return
	}

	s.backendClosed = true
	rsp := s.response
	s.mu.Unlock()

	s.cancel()
	if rsp != nil {
		_ = rsp.Body.Close()
	}
}

// finish finalizes the client response. Called by the handler goroutine
// after run returned.
func (s *session) finish() {
	s.close()

	s.mu.Lock()
	message := s.errMessage
	gone := s.clientGone
	s.mu.Unlock()

	if message == "" || gone {
		return
	}

	if !s.w.Committed() {
		sendError(s.w, http.StatusInternalServerError, message)
		return
	}

	// the status line was already sent, the client sees a truncated
	// response
	panic(http.ErrAbortHandler)
}
