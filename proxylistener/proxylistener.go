/*
Package proxylistener wraps the client facing listener of the proxy, and
reads the PROXY protocol header (v1 or v2) sent by a load balancer in
front of the proxy. This way the remote address of the requests, and so
the X-Forwarded-For header sent to the backends, is the address of the
original client.

Whether the header is used depends on the address of the upstream
connection: the deny list rejects connections sending the header, the
skip list doesn't read the header at all, the allow list uses the
header. Connections from other addresses are rejected when they send
the header.
*/
package proxylistener

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pires/go-proxyproto"

	"github.com/pyramidproxy/pyramidproxy/logging"
	pnet "github.com/pyramidproxy/pyramidproxy/net"
)

const (
	defaultReadHeaderTimeout = time.Second // 10s seems too long https://github.com/pires/go-proxyproto/blob/5c8010d2392f09ce18169631c024aceae758335a/protocol.go#L28
	defaultReadBufferSize    = 256         // https://github.com/pires/go-proxyproto/blob/5c8010d2392f09ce18169631c024aceae758335a/protocol.go#L21
)

type Options struct {
	Listener          net.Listener
	ReadHeaderTimeout time.Duration
	ReadBufferSize    int

	SkipListCIDRs  []string
	AllowListCIDRs []string
	DenyListCIDRs  []string

	Log logging.Logger
}

func validateHeader(h *proxyproto.Header) error {
	if h == nil {
		return fmt.Errorf("proxylistener: header is nil")
	}

	if h.SourceAddr == nil || h.DestinationAddr == nil {
		return fmt.Errorf("proxylistener: header missing addresses src: %q, dst: %q", h.SourceAddr, h.DestinationAddr)
	}

	if h.TransportProtocol != proxyproto.TCPv4 && h.TransportProtocol != proxyproto.TCPv6 {
		return fmt.Errorf("proxylistener: unsupported protocol %v", h.TransportProtocol)
	}

	return nil
}

// NewListener wraps the listener in the options with PROXY protocol
// support.
func NewListener(opt Options) (net.Listener, error) {
	if opt.Listener == nil {
		return nil, fmt.Errorf("proxylistener: missing listener")
	}

	if opt.ReadHeaderTimeout == 0 {
		opt.ReadHeaderTimeout = defaultReadHeaderTimeout
	}

	if opt.ReadBufferSize == 0 {
		opt.ReadBufferSize = defaultReadBufferSize
	}

	log := logging.OrDefault(opt.Log)

	skipSet, err := pnet.ParseIPCIDRs(opt.SkipListCIDRs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse skip list: %w", err)
	}

	allowSet, err := pnet.ParseIPCIDRs(opt.AllowListCIDRs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse allow list: %w", err)
	}

	denySet, err := pnet.ParseIPCIDRs(opt.DenyListCIDRs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse deny list: %w", err)
	}

	policy := func(cpo proxyproto.ConnPolicyOptions) (proxyproto.Policy, error) {
		host, _, err := net.SplitHostPort(cpo.Upstream.String())
		if err != nil {
			return proxyproto.REJECT, err
		}

		addr, err := netip.ParseAddr(host)
		if err != nil {
			return proxyproto.REJECT, err
		}

		addr = addr.Unmap()
		switch {
		case denySet.Contains(addr):
			log.Debugf("proxylistener: %s denied", addr)
			return proxyproto.REJECT, nil
		case skipSet.Contains(addr):
			return proxyproto.SKIP, nil
		case allowSet.Contains(addr):
			return proxyproto.USE, nil
		default:
			return proxyproto.REJECT, nil
		}
	}

	return &proxyproto.Listener{
		Listener:          opt.Listener,
		ReadHeaderTimeout: opt.ReadHeaderTimeout,
		ReadBufferSize:    opt.ReadBufferSize,
		ConnPolicy:        policy,
		ValidateHeader:    validateHeader,
	}, nil
}
