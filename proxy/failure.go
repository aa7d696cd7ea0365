package proxy

import (
	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/logging"
)

// ConnectFailure is reported when the proxy cannot connect to a backend.
type ConnectFailure struct {
	Address   backend.Address
	RequestID string
	Err       error
}

// Timeout is reported when a session was idle for longer than the
// configured timeout.
type Timeout struct {
	Address    backend.Address
	RequestURL string
}

// FailureHandler is notified about the failing backends, e.g. to restart
// a crashed backend service. No retry state is kept by the proxy. The
// handlers may be called concurrently, and their panics are recovered
// and logged.
type FailureHandler interface {
	OnConnectFailed(ConnectFailure)
	OnTimeout(Timeout)
}

// LogFailureHandler logs the failures.
type LogFailureHandler struct {
	Log logging.Logger
}

func (h *LogFailureHandler) OnConnectFailed(f ConnectFailure) {
	logging.OrDefault(h.Log).Warnf("Cannot connect to %s: maybe the service crashed (request %s): %v", f.Address, f.RequestID, f.Err)
}

func (h *LogFailureHandler) OnTimeout(t Timeout) {
	logging.OrDefault(h.Log).Warnf("Timeout while accessing %s: maybe the service crashed (%s)", t.Address, t.RequestURL)
}

func (p *Proxy) notifyConnectFailed(f ConnectFailure) {
	tryCatch(func() { p.failureHandler.OnConnectFailed(f) }, func(err any, stack string) {
		p.log.Errorf("failure handler panicked on connect failure to %s: %v, stack: %s", f.Address, err, stack)
	})
}

func (p *Proxy) notifyTimeout(t Timeout) {
	tryCatch(func() { p.failureHandler.OnTimeout(t) }, func(err any, stack string) {
		p.log.Errorf("failure handler panicked on timeout of %s: %v, stack: %s", t.Address, err, stack)
	})
}
