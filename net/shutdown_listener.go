package net

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const shutdownPollInterval = 500 * time.Millisecond

type (
	// ShutdownListener counts the accepted connections that were not
	// closed yet, so that a shutdown can wait for the in-flight proxy
	// sessions, including the hijacked or aborted ones that
	// http.Server.Shutdown does not track.
	ShutdownListener struct {
		net.Listener
		activeConns  atomic.Int64
		pollInterval time.Duration
	}

	shutdownListenerConn struct {
		net.Conn
		listener *ShutdownListener
		once     sync.Once
	}
)

var _ net.Listener = &ShutdownListener{}

func NewShutdownListener(l net.Listener) *ShutdownListener {
	return &ShutdownListener{Listener: l, pollInterval: shutdownPollInterval}
}

func (l *ShutdownListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	l.registerConn()

	return &shutdownListenerConn{Conn: c, listener: l}, nil
}

// ActiveConns returns the number of accepted and not yet closed
// connections.
func (l *ShutdownListener) ActiveConns() int64 {
	return l.activeConns.Load()
}

// Shutdown blocks until all accepted connections are closed or the
// context is done. It does not close the listener.
func (l *ShutdownListener) Shutdown(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		n := l.activeConns.Load()
		log.Debugf("ShutdownListener Shutdown: %d active connections", n)
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *shutdownListenerConn) Close() error {
	err := c.Conn.Close()

	c.once.Do(c.listener.unregisterConn)

	return err
}

func (l *ShutdownListener) registerConn() {
	n := l.activeConns.Add(1)
	log.Debugf("ShutdownListener registerConn: %d active connections", n)
}

func (l *ShutdownListener) unregisterConn() {
	n := l.activeConns.Add(-1)
	log.Debugf("ShutdownListener unregisterConn: %d active connections", n)
}
