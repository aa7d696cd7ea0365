package pyramidproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/circuit"
	"github.com/pyramidproxy/pyramidproxy/keyfile"
	"github.com/pyramidproxy/pyramidproxy/logging"
	"github.com/pyramidproxy/pyramidproxy/metrics"
	pnet "github.com/pyramidproxy/pyramidproxy/net"
	"github.com/pyramidproxy/pyramidproxy/proxy"
	"github.com/pyramidproxy/pyramidproxy/proxylistener"
	"github.com/pyramidproxy/pyramidproxy/resolver"
)

const (
	DefaultAddress         = ":8080"
	DefaultSupportListener = ":9911"
	DefaultProxyHost       = "localhost"

	defaultBreakerFailures = 5

	healthPath  = "/health"
	metricsPath = "/metrics"
)

// Options to start the proxy.
type Options struct {

	// Network address that the proxy listens on.
	Address string

	// ProxyHost is the public host name of the proxy. Together with the
	// port of the listener, it identifies the proxy itself, and the
	// requests resolved to it fail instead of looping back.
	ProxyHost string

	// When set, the proxy accepts TLS connections with this certificate
	// and key pair.
	CertPathTLS string
	KeyPathTLS  string

	// Idle timeout of the proxy sessions.
	Timeout time.Duration

	// Rewrites the Location header of the 301 and 302 responses
	// pointing to the backend itself. Off when not set; the command
	// line enables it by default.
	CorrectMovedLocations bool

	// X-Forwarded-* headers set on the backend requests. None when not
	// set; the command line enables X-Forwarded-For by default.
	ForwardedHeaders pnet.ForwardedHeaders

	// Host receiving the requests overriding the backend port.
	BackendHost string

	// Backend address, host:port, of the requests without a routing key.
	FallbackBackend string

	// Backend connection pool settings, see proxy.Params.
	IdleConnectionsPerHost int
	CloseIdleConnsPeriod   time.Duration
	DialTimeout            time.Duration
	KeepAlive              time.Duration

	// Finds the routing key in the requests.
	KeyExtractor resolver.KeyExtractor

	// Resolvers consulted first, before the static routes and the
	// pyramid configuration files.
	CustomResolvers []resolver.Resolver

	// Static routes from routing key to host:port.
	Routes map[string]string

	// Ports of the backend services by data format. When set, the
	// routing keys are resolved from the pyramid configuration files.
	Services              map[string]int
	PyramidConfigRoot     string
	PyramidConfigFile     string
	PyramidDataConfigFile string

	// Capacity of the route cache.
	RouteCacheSize int

	// Resolve different keys in parallel.
	RouteCacheSingleFlight bool

	// When set, the backend addresses are protected by circuit
	// breakers. The last settings without a host are used as defaults.
	EnableBreakers  bool
	BreakerSettings []circuit.BreakerSettings

	// Accept the PROXY protocol on the client listener.
	EnableProxyProtocol            bool
	ProxyProtocolReadHeaderTimeout time.Duration
	ProxyProtocolAllowCIDRs        []string
	ProxyProtocolDenyCIDRs         []string
	ProxyProtocolSkipCIDRs         []string

	// Network address of the support endpoints, /health and /metrics.
	// When empty, no support listener is started.
	SupportListener string

	// Collect Go runtime and process metrics.
	EnableRuntimeMetrics bool

	// Label the backend metrics with the backend address.
	EnableBackendHostMetrics bool

	// Folder of the finish command key file. When empty, the key file
	// is not watched.
	SystemCommandsFolder string

	// Time between the shutdown request and closing the listener. The
	// health endpoint reports the shutdown in the meantime.
	WaitForShutdown time.Duration

	// FailureHandler is notified about connect failures and timeouts.
	FailureHandler proxy.FailureHandler

	// Output for the application log entries, when nil, os.Stderr is
	// used.
	ApplicationLogOutput io.Writer

	// Prefix for the application log entries.
	ApplicationLogPrefix string

	// Minimum level of the application log entries.
	ApplicationLogLevel logrus.Level

	ApplicationLogJSONEnabled bool

	// Output for the access log entries, when nil, os.Stderr is used.
	AccessLogOutput io.Writer

	AccessLogDisabled    bool
	AccessLogJSONEnabled bool

	// Log used by the components. Defaults to the application log.
	Log logging.Logger
}

type server struct {
	options  Options
	log      logging.Logger
	metrics  *metrics.Prometheus
	cache    *resolver.Cache
	proxy    *proxy.Proxy
	listener *pnet.ShutdownListener
	server   *http.Server
	port     int

	support         *http.Server
	supportListener net.Listener

	keyFile *keyfile.Watcher

	healthy atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

func createResolver(o Options, log logging.Logger) (resolver.Resolver, error) {
	chain := append(resolver.Chain{}, o.CustomResolvers...)

	if len(o.Routes) > 0 {
		s, err := resolver.ParseStatic(o.Routes)
		if err != nil {
			return nil, err
		}

		chain = append(chain, s)
	}

	if len(o.Services) > 0 {
		p, err := resolver.NewPyramidResolver(resolver.PyramidOptions{
			ConfigRoot:     o.PyramidConfigRoot,
			ConfigFile:     o.PyramidConfigFile,
			DataConfigFile: o.PyramidDataConfigFile,
			Host:           o.BackendHost,
			Services:       o.Services,
		})
		if err != nil {
			return nil, err
		}

		chain = append(chain, p)
	}

	if len(chain) == 0 {
		log.Warn("no route source specified")
	}

	return chain, nil
}

func createBreakers(o Options, log logging.Logger) *circuit.Registry {
	if !o.EnableBreakers {
		return nil
	}

	var ro circuit.Options
	for _, s := range o.BreakerSettings {
		if s.Host == "" {
			ro.Defaults = s
			continue
		}

		ro.HostSettings = append(ro.HostSettings, s)
	}

	if ro.Defaults.Type == circuit.BreakerNone {
		ro.Defaults.Type = circuit.ConsecutiveFailures
	}

	if ro.Defaults.Failures <= 0 {
		ro.Defaults.Failures = defaultBreakerFailures
	}

	ro.Log = log
	return circuit.NewRegistry(ro)
}

func listen(o Options, log logging.Logger) (net.Listener, int, error) {
	l, err := net.Listen("tcp", o.Address)
	if err != nil {
		return nil, 0, err
	}

	var port int
	if a, ok := l.Addr().(*net.TCPAddr); ok {
		port = a.Port
	}

	if !o.EnableProxyProtocol {
		return l, port, nil
	}

	pl, err := proxylistener.NewListener(proxylistener.Options{
		Listener:          l,
		ReadHeaderTimeout: o.ProxyProtocolReadHeaderTimeout,
		AllowListCIDRs:    o.ProxyProtocolAllowCIDRs,
		DenyListCIDRs:     o.ProxyProtocolDenyCIDRs,
		SkipListCIDRs:     o.ProxyProtocolSkipCIDRs,
		Log:               log,
	})
	if err != nil {
		l.Close()
		return nil, 0, err
	}

	return pl, port, nil
}

func newServer(o Options) (s *server, err error) {
	if o.CertPathTLS != "" && o.KeyPathTLS == "" || o.CertPathTLS == "" && o.KeyPathTLS != "" {
		return nil, errors.New("TLS requires both a certificate and a key")
	}

	if o.ProxyHost == "" {
		o.ProxyHost = DefaultProxyHost
	}

	if o.BackendHost == "" {
		o.BackendHost = proxy.DefaultBackendHost
	}

	s = &server{options: o, log: logging.OrDefault(o.Log)}

	var tlsConfig *tls.Config
	if o.CertPathTLS != "" {
		cert, err := tls.LoadX509KeyPair(o.CertPathTLS, o.KeyPathTLS)
		if err != nil {
			return nil, fmt.Errorf("invalid key/cert pair: %w", err)
		}

		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	var fallback backend.Address
	if o.FallbackBackend != "" {
		fallback, err = backend.ParseAddress(o.FallbackBackend)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback backend: %w", err)
		}
	}

	s.metrics = metrics.NewPrometheus(metrics.Options{
		EnableRuntimeMetrics:     o.EnableRuntimeMetrics,
		EnableBackendHostMetrics: o.EnableBackendHostMetrics,
	})

	r, err := createResolver(o, s.log)
	if err != nil {
		return nil, err
	}

	s.cache, err = resolver.NewCache(r, resolver.CacheOptions{
		Size:         o.RouteCacheSize,
		SingleFlight: o.RouteCacheSingleFlight,
		Log:          s.log,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, err
	}

	l, port, err := listen(o, s.log)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			l.Close()
		}
	}()

	self, err := backend.NewAddress(o.ProxyHost, port)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address: %w", err)
	}

	s.port = port
	s.listener = pnet.NewShutdownListener(l)
	s.proxy = proxy.WithParams(proxy.Params{
		Resolver:               s.cache,
		KeyExtractor:           o.KeyExtractor,
		FailureHandler:         o.FailureHandler,
		Timeout:                o.Timeout,
		CorrectMovedLocations:  o.CorrectMovedLocations,
		ForwardedHeaders:       o.ForwardedHeaders,
		BackendHost:            o.BackendHost,
		Fallback:               fallback,
		Self:                   self,
		CircuitBreakers:        createBreakers(o, s.log),
		AccessLogDisabled:      o.AccessLogDisabled,
		DialTimeout:            o.DialTimeout,
		KeepAlive:              o.KeepAlive,
		IdleConnectionsPerHost: o.IdleConnectionsPerHost,
		CloseIdleConnsPeriod:   o.CloseIdleConnsPeriod,
		Log:                    s.log,
		Metrics:                s.metrics,
	})

	defer func() {
		if err != nil {
			s.proxy.Close()
		}
	}()

	s.server = &http.Server{
		Handler:   s.proxy,
		TLSConfig: tlsConfig,
	}

	if o.SystemCommandsFolder != "" {
		s.keyFile, err = keyfile.New(keyfile.Options{
			Folder: o.SystemCommandsFolder,
			Port:   port,
			Log:    s.log,
		})
		if err != nil {
			return nil, err
		}

		defer func() {
			if err != nil {
				s.keyFile.Close()
			}
		}()
	}

	if o.SupportListener != "" {
		s.supportListener, err = net.Listen("tcp", o.SupportListener)
		if err != nil {
			return nil, err
		}

		mux := http.NewServeMux()
		mux.HandleFunc(healthPath, s.health)
		s.metrics.RegisterHandler(metricsPath, mux)
		s.support = &http.Server{Handler: mux}
	}

	return s, nil
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.healthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}

	_, _ = w.Write([]byte("ok"))
}

// shutdown stops accepting connections after the delay, and waits until
// the in-flight sessions finished. The after function is called at the
// end, e.g. to signal that the finish command was executed.
func (s *server) shutdown(delay time.Duration, after func() error) {
	s.once.Do(func() {
		defer s.wg.Done()

		s.healthy.Store(false)
		s.log.Infof("shutting down the server in %s...", delay)
		time.Sleep(delay)

		ctx := context.Background()
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Errorf("unable to shut down the server: %v", err)
		}

		// Serve may have failed before tracking the listener
		_ = s.listener.Close()

		if err := s.listener.Shutdown(ctx); err != nil {
			s.log.Errorf("failed to wait for the client connections: %v", err)
		}

		s.proxy.Close()

		if s.support != nil {
			if err := s.support.Shutdown(ctx); err != nil {
				s.log.Errorf("unable to shut down the support listener: %v", err)
			}
		}

		if after != nil {
			if err := after(); err != nil {
				s.log.Errorf("failed to finish the shutdown: %v", err)
			}
		}

		s.log.Info("server shut down")
	})
}

func (s *server) watchKeyFile(ctx context.Context) {
	err := s.keyFile.Wait(ctx)
	switch {
	case err == nil:
		s.shutdown(s.options.WaitForShutdown, s.keyFile.Remove)
	case errors.Is(err, context.Canceled), errors.Is(err, keyfile.ErrClosed):
	default:
		s.log.Errorf("failed to watch the finish key file: %v", err)
	}
}

// run serves until the server was shut down, triggered by a signal, by
// the finish key file, or by a failing listener.
func (s *server) run(sigs <-chan os.Signal) error {
	s.wg.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case sig := <-sigs:
			s.log.Infof("received signal: %v", sig)
			s.shutdown(s.options.WaitForShutdown, nil)
		case <-ctx.Done():
		}
	}()

	if s.keyFile != nil {
		defer s.keyFile.Close()
		go s.watchKeyFile(ctx)
	}

	if s.support != nil {
		go func() {
			if err := s.support.Serve(s.supportListener); err != http.ErrServerClosed {
				s.log.Errorf("support listener failed: %v", err)
			}
		}()
	}

	s.healthy.Store(true)
	s.log.Infof("proxy listening on %v", s.listener.Addr())

	var err error
	if s.server.TLSConfig != nil {
		err = s.server.ServeTLS(s.listener, "", "")
	} else {
		err = s.server.Serve(s.listener)
	}

	if err != http.ErrServerClosed {
		go s.shutdown(0, nil)
	} else {
		err = nil
	}

	s.wg.Wait()
	return err
}

// Run starts the proxy with the given options. It blocks until the
// proxy was shut down, gracefully on SIGTERM, SIGINT, or the finish
// command, or because the listener failed. Startup errors are returned
// as is.
func Run(o Options) error {
	logging.Init(logging.Options{
		ApplicationLogOutput:      o.ApplicationLogOutput,
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		AccessLogOutput:           o.AccessLogOutput,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
	})

	s, err := newServer(o)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	return s.run(sigs)
}
