package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/circuit"
	"github.com/pyramidproxy/pyramidproxy/logging"
	"github.com/pyramidproxy/pyramidproxy/metrics"
	pnet "github.com/pyramidproxy/pyramidproxy/net"
	"github.com/pyramidproxy/pyramidproxy/resolver"
)

const (
	proxyBufferSize = 8192

	// DefaultTimeout is the idle timeout of the sessions.
	DefaultTimeout = 30 * time.Second

	// DefaultAliveStatusPath is answered by the proxy itself.
	DefaultAliveStatusPath = "/~~~~.pyramidproxy.alive-status"

	// DefaultBackendHost receives the requests overriding the backend
	// port.
	DefaultBackendHost = "localhost"

	DefaultIdleConnsPerHost     = 64
	DefaultCloseIdleConnsPeriod = 20 * time.Second
	DefaultDialTimeout          = 10 * time.Second
	DefaultKeepAlive            = 30 * time.Second

	aliveStatusBody = "Proxy-Alive"
	errorPrefix     = "Proxy: "
)

// Proxy initialization options.
type Params struct {

	// Resolver maps the routing keys to backend addresses. Typically a
	// resolver.Cache.
	Resolver resolver.Resolver

	// KeyExtractor finds the routing key in the requests. The zero value
	// uses the default parameter names.
	KeyExtractor resolver.KeyExtractor

	// FailureHandler is notified about connect failures and timeouts.
	// Defaults to LogFailureHandler.
	FailureHandler FailureHandler

	// Timeout is the idle timeout of a session: the longest time
	// allowed without reading from the client or the backend, or
	// writing to the client. Defaults to DefaultTimeout.
	Timeout time.Duration

	// CorrectMovedLocations enables rewriting the Location header of 301
	// and 302 responses pointing to the backend itself. Disabled by
	// default.
	CorrectMovedLocations bool

	// ForwardedHeaders are set on the requests sent to the backends.
	// The zero value sets none of them.
	ForwardedHeaders pnet.ForwardedHeaders

	// BackendHost receives the requests overriding the backend port.
	// Defaults to DefaultBackendHost.
	BackendHost string

	// Fallback receives the requests without a routing key. When not
	// set, these requests fail.
	Fallback backend.Address

	// Self is the public address of the proxy. Requests resolved to it
	// fail instead of looping back.
	Self backend.Address

	// AliveStatusPath is answered by the proxy without resolving.
	// Defaults to DefaultAliveStatusPath.
	AliveStatusPath string

	// CircuitBreakers provides a registry that the proxy uses to find
	// the circuit breaker of the backends. If not set, no circuit
	// breakers are used.
	CircuitBreakers *circuit.Registry

	// When set, no access log is printed.
	AccessLogDisabled bool

	// DialTimeout sets the TCP connect timeout to the backends.
	DialTimeout time.Duration

	// KeepAlive sets the TCP keepalive for the backend connections.
	KeepAlive time.Duration

	// Same as net/http.Transport.MaxIdleConnsPerHost, defaults to
	// DefaultIdleConnsPerHost.
	IdleConnectionsPerHost int

	// MaxIdleConns limits the number of idle connections to all
	// backends, 0 means no limit.
	MaxIdleConns int

	// Defines the time period of how often the idle connections are
	// forcibly closed. When set to less than 0, the proxy doesn't force
	// closing the idle connections.
	CloseIdleConnsPeriod time.Duration

	Log     logging.Logger
	Metrics metrics.Metrics
}

// Proxy instances implement the HTTP handler of the client facing
// listener.
type Proxy struct {
	resolver          resolver.Resolver
	extractor         resolver.KeyExtractor
	failureHandler    FailureHandler
	timeout           time.Duration
	correctLocations  bool
	forwarded         pnet.ForwardedHeaders
	backendHost       string
	fallback          backend.Address
	self              backend.Address
	aliveStatusPath   string
	breakers          *circuit.Registry
	accessLogDisabled bool
	roundTripper      *http.Transport
	log               logging.Logger
	metrics           metrics.Metrics
	quit              chan struct{}
}

// proxyError is returned by the backend dialer, so that failing to
// connect can be told apart from the failures of the roundtrip.
type proxyError struct {
	err           error
	dialingFailed bool
}

func (e *proxyError) Error() string {
	return fmt.Sprintf("dialing failed %v: %v", e.dialingFailed, e.err)
}

func (e *proxyError) Unwrap() error {
	return e.err
}

// DialError returns true if the error was caused while dialing TCP
// connections, before HTTP data was sent.
func (e *proxyError) DialError() bool {
	return e.dialingFailed
}

func isDialError(err error) bool {
	var perr *proxyError
	return errors.As(err, &perr) && perr.DialError()
}

type proxyDialer struct {
	net.Dialer
}

// DialContext wraps net.Dialer's DialContext and marks the errors, so
// that they can be checked as connect failures.
func (d *proxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	con, err := d.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &proxyError{err: err, dialingFailed: true}
	}

	return con, nil
}

// WithParams returns an initialized Proxy.
func WithParams(p Params) *Proxy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}

	if p.BackendHost == "" {
		p.BackendHost = DefaultBackendHost
	}

	if p.AliveStatusPath == "" {
		p.AliveStatusPath = DefaultAliveStatusPath
	}

	if p.IdleConnectionsPerHost <= 0 {
		p.IdleConnectionsPerHost = DefaultIdleConnsPerHost
	}

	if p.CloseIdleConnsPeriod == 0 {
		p.CloseIdleConnsPeriod = DefaultCloseIdleConnsPeriod
	}

	if p.DialTimeout <= 0 {
		p.DialTimeout = DefaultDialTimeout
	}

	if p.KeepAlive == 0 {
		p.KeepAlive = DefaultKeepAlive
	}

	log := logging.OrDefault(p.Log)
	if p.FailureHandler == nil {
		p.FailureHandler = &LogFailureHandler{Log: log}
	}

	m := p.Metrics
	if m == nil {
		m = metrics.Default
	}

	tr := &http.Transport{
		DialContext: (&proxyDialer{net.Dialer{
			Timeout:   p.DialTimeout,
			KeepAlive: p.KeepAlive,
		}}).DialContext,
		MaxIdleConns:        p.MaxIdleConns,
		MaxIdleConnsPerHost: p.IdleConnectionsPerHost,
		DisableCompression:  true,
	}

	if p.CloseIdleConnsPeriod > 0 {
		tr.IdleConnTimeout = p.CloseIdleConnsPeriod
	}

	quit := make(chan struct{})
	if p.CloseIdleConnsPeriod > 0 {
		go func() {
			for {
				select {
				case <-time.After(p.CloseIdleConnsPeriod):
					tr.CloseIdleConnections()
				case <-quit:
					return
				}
			}
		}()
	}

	return &Proxy{
		resolver:          p.Resolver,
		extractor:         p.KeyExtractor,
		failureHandler:    p.FailureHandler,
		timeout:           p.Timeout,
		correctLocations:  p.CorrectMovedLocations,
		forwarded:         p.ForwardedHeaders,
		backendHost:       p.BackendHost,
		fallback:          p.Fallback,
		self:              p.Self,
		aliveStatusPath:   p.AliveStatusPath,
		breakers:          p.CircuitBreakers,
		accessLogDisabled: p.AccessLogDisabled,
		roundTripper:      tr,
		log:               log,
		metrics:           m,
		quit:              quit,
	}
}

// tryCatch executes function `p` and `onErr` if `p` panics.
func tryCatch(p func(), onErr func(err any, stack string)) {
	defer func() {
		if err := recover(); err != nil {
			buf := make([]byte, 1024)
			l := runtime.Stack(buf, false)
			onErr(err, string(buf[:l]))
		}
	}()

	p()
}

// sendError writes a plain text error response. It must be called only
// before the response was committed.
func sendError(w http.ResponseWriter, code int, message string) {
	h := w.Header()
	for k := range h {
		delete(h, k)
	}

	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(errorPrefix + message))
}

func (p *Proxy) aliveStatus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(aliveStatusBody))
}

// route returns the backend address of the request: the fallback
// backend when the request has no routing key, the backend host with
// the requested port for port overrides, or the resolved address.
func (p *Proxy) route(r *http.Request) (backend.Address, error) {
	key, err := p.extractor.Extract(r)
	switch {
	case errors.Is(err, resolver.ErrNoRoutingKey) && !p.fallback.IsZero():
		return p.fallback, nil
	case err != nil:
		return backend.Address{}, err
	case key.ID == "" && key.Port > 0:
		return backend.NewAddress(p.backendHost, key.Port)
	}

	if p.resolver == nil {
		return backend.Address{}, &resolver.Error{Key: key.ID, Err: resolver.ErrUnknownKey}
	}

	return p.resolver.Resolve(r.Context(), resolver.Request{
		Key:   key.ID,
		URI:   r.URL.RequestURI(),
		Query: r.URL.Query(),
	})
}

func (p *Proxy) routeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, resolver.ErrNoRoutingKey) {
		p.log.Errorf("configuration error, no routing key in request %s", r.URL.RequestURI())
		sendError(w, http.StatusInternalServerError, "Missing routing key in request")
		return
	}

	p.log.Warnf("failed to resolve backend for %s: %v", r.URL.RequestURI(), err)
	sendError(w, http.StatusInternalServerError, resolveErrorMessage(err))
}

// resolveErrorMessage tells the client only the kind of the resolution
// error. The full error is logged.
func resolveErrorMessage(err error) string {
	const message = "Cannot resolve the backend"
	for _, kind := range []error{resolver.ErrMalformedKey, resolver.ErrUnknownKey, resolver.ErrUnknownFormat} {
		if errors.Is(err, kind) {
			return message + ": " + kind.Error()
		}
	}

	return message
}

func (p *Proxy) checkBreaker(a backend.Address) (func(bool), bool) {
	if p.breakers == nil {
		return nil, true
	}

	b := p.breakers.Get(a.String())
	if b == nil {
		return nil, true
	}

	return b.Allow()
}

// http.Handler implementation
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lw := logging.NewLoggingWriter(w)
	start := time.Now()

	var (
		requestID   string
		backendName string
	)

	defer func() {
		p.metrics.MeasureServe(backendName, r.Method, lw.GetCode(), start)
		if p.accessLogDisabled {
			return
		}

		logging.LogAccess(&logging.AccessEntry{
			Request:      r,
			ResponseSize: lw.GetBytes(),
			StatusCode:   lw.GetCode(),
			RequestTime:  start,
			Duration:     time.Since(start),
			RequestID:    requestID,
			Backend:      backendName,
		})
	}()

	if r.URL.Path == p.aliveStatusPath {
		p.aliveStatus(lw)
		return
	}

	a, err := p.route(r)
	if err != nil {
		p.routeError(lw, r, err)
		return
	}

	backendName = a.String()
	if !p.self.IsZero() && a == p.self {
		p.log.Errorf("request %s resolved to the proxy itself: %s", r.URL.RequestURI(), a)
		sendError(lw, http.StatusInternalServerError, "Request loops back to the proxy: "+a.String())
		return
	}

	done, ok := p.checkBreaker(a)
	if !ok {
		p.log.Infof("circuit breaker open for %s", a)
		sendError(lw, http.StatusServiceUnavailable, "Backend unavailable: "+a.String())
		return
	}

	s := newSession(p, lw, r, a)
	requestID = s.id
	s.run()

	if done != nil {
		done(!s.failed())
	}

	s.finish()
}

// Close causes the proxy to stop closing idle connections and closes
// the currently idle backend connections.
func (p *Proxy) Close() error {
	close(p.quit)
	p.roundTripper.CloseIdleConnections()
	return nil
}
