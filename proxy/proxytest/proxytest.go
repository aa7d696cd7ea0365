// Package proxytest starts a proxy for testing, resolving the routing
// keys from a static map.
package proxytest

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/logging/loggingtest"
	"github.com/pyramidproxy/pyramidproxy/proxy"
	"github.com/pyramidproxy/pyramidproxy/resolver"
)

type TestProxy struct {
	URL  string
	Port string
	Log  *loggingtest.TestLogger

	Cache *resolver.Cache

	proxy  *proxy.Proxy
	server *httptest.Server
}

type TestClient struct {
	*http.Client
}

type Config struct {
	ProxyParams  proxy.Params
	Routes       map[string]backend.Address
	Certificates []tls.Certificate
}

// New starts a proxy with the routes and default params, with
// correcting the moved locations and X-Forwarded-For enabled.
func New(routes map[string]backend.Address) *TestProxy {
	params := proxy.Params{CloseIdleConnsPeriod: -time.Second, CorrectMovedLocations: true}
	params.ForwardedHeaders.For = true
	return WithParams(params, routes)
}

func WithParams(params proxy.Params, routes map[string]backend.Address) *TestProxy {
	return Config{ProxyParams: params, Routes: routes}.Create()
}

func (c Config) CreateUnstarted() *TestProxy {
	tl := loggingtest.New()

	cache, err := resolver.NewCache(resolver.Static(c.Routes), resolver.CacheOptions{Log: tl})
	if err != nil {
		panic(err)
	}

	if c.ProxyParams.Resolver == nil {
		c.ProxyParams.Resolver = cache
	}

	if c.ProxyParams.Log == nil {
		c.ProxyParams.Log = tl
	}

	pr := proxy.WithParams(c.ProxyParams)
	tsp := httptest.NewUnstartedServer(pr)
	if len(c.Certificates) > 0 {
		tsp.TLS = &tls.Config{Certificates: c.Certificates}
	}

	_, port, _ := net.SplitHostPort(tsp.Listener.Addr().String())

	return &TestProxy{
		URL:    tsp.URL,
		Port:   port,
		Log:    tl,
		Cache:  cache,
		proxy:  pr,
		server: tsp,
	}
}

func (p *TestProxy) Start() {
	if p.server.TLS != nil {
		p.server.StartTLS()
	} else {
		p.server.Start()
	}
	p.URL = p.server.URL
}

func (c Config) Create() *TestProxy {
	p := c.CreateUnstarted()
	p.Start()
	return p
}

func (p *TestProxy) Client() *TestClient {
	return &TestClient{p.server.Client()}
}

func (p *TestProxy) ClientWithoutRedirectFollow() *TestClient {
	client := p.server.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &TestClient{client}
}

// Close stops the proxy server, and then the test logger.
func (p *TestProxy) Close() error {
	p.server.Close()
	err := p.proxy.Close()
	p.Log.Close()
	return err
}

// GetBody issues a GET to the specified URL, reads and closes response body and
// returns response, response body bytes and error if any.
func (c *TestClient) GetBody(url string) (rsp *http.Response, body []byte, err error) {
	rsp, err = c.Get(url)
	if err != nil {
		return
	}
	defer rsp.Body.Close()

	body, err = io.ReadAll(rsp.Body)
	return
}
