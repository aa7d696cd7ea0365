package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	log "github.com/sirupsen/logrus"

	"github.com/pyramidproxy/pyramidproxy"
	"github.com/pyramidproxy/pyramidproxy/backend"
	"github.com/pyramidproxy/pyramidproxy/keyfile"
	"github.com/pyramidproxy/pyramidproxy/net"
	"github.com/pyramidproxy/pyramidproxy/proxy"
	"github.com/pyramidproxy/pyramidproxy/resolver"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address              string        `yaml:"address"`
	ProxyHost            string        `yaml:"proxy-host"`
	CertPathTLS          string        `yaml:"tls-cert"`
	KeyPathTLS           string        `yaml:"tls-key"`
	SupportListener      string        `yaml:"support-listener"`
	SystemCommandsFolder string        `yaml:"system-commands-folder"`
	WaitForShutdown      time.Duration `yaml:"wait-for-shutdown"`

	// proxy:
	TimeoutMillis          int           `yaml:"timeout"`
	CorrectMovedLocations  bool          `yaml:"correct-moved-locations"`
	ForwardedFor           bool          `yaml:"forwarded-for"`
	ForwardedHeadersList   *listFlag     `yaml:"forwarded-headers"`
	BackendHost            string        `yaml:"backend-host"`
	FallbackBackend        string        `yaml:"fallback-backend"`
	IdleConnsPerHost       int           `yaml:"idle-conns-num"`
	CloseIdleConnsPeriod   time.Duration `yaml:"close-idle-conns-period"`
	DialTimeoutBackend     time.Duration `yaml:"dial-timeout-backend"`
	KeepaliveBackend       time.Duration `yaml:"keepalive-backend"`
	EnableBreakers         bool          `yaml:"enable-breakers"`
	Breakers               breakerFlags  `yaml:"breaker"`
	EnableProxyProtocol    bool          `yaml:"enable-proxy-protocol"`
	ProxyProtocolAllowList *listFlag     `yaml:"proxy-protocol-allow-cidrs"`
	ProxyProtocolDenyList  *listFlag     `yaml:"proxy-protocol-deny-cidrs"`
	ProxyProtocolSkipList  *listFlag     `yaml:"proxy-protocol-skip-cidrs"`

	// routing:
	RouteCacheSize         int       `yaml:"route-cache-size"`
	RouteCacheSingleFlight bool      `yaml:"route-cache-single-flight"`
	RoutingKeyParameter    string    `yaml:"routing-key-parameter"`
	ServerPortParameter    string    `yaml:"server-port-parameter"`
	RoutingKeyPathPrefixes multiFlag `yaml:"routing-key-path-prefix"`
	Routes                 *mapFlags `yaml:"routes"`
	Services               *mapFlags `yaml:"services"`
	PyramidConfigRoot      string    `yaml:"pyramid-config-root"`
	PyramidConfigFile      string    `yaml:"pyramid-config-file"`
	PyramidDataConfigFile  string    `yaml:"pyramid-data-config-file"`

	// logging, metrics:
	EnableRuntimeMetrics      bool      `yaml:"enable-runtime-metrics"`
	EnableBackendHostMetrics  bool      `yaml:"enable-backendhost-metrics"`
	ApplicationLogLevel       log.Level `yaml:"-"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool      `yaml:"application-log-json-enabled"`
	AccessLogDisabled         bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled      bool      `yaml:"access-log-json-enabled"`

	ForwardedHeaders net.ForwardedHeaders `yaml:"-"`
	ServicePorts     map[string]int       `yaml:"-"`
}

const (
	defaultApplicationLogPrefix = "[APP]"

	timeoutUsage = "idle timeout of the proxy sessions in milliseconds: the longest time without reading from the client or the backend, or writing to the client"

	forwardedHeadersUsage = "comma separated list of X-Forwarded-* headers set on the backend requests, in addition to -forwarded-for: X-Forwarded-For, X-Forwarded-For=prepend, X-Forwarded-Host, X-Forwarded-Proto"

	routesUsage = "static routes, comma separated list of routing-key=host:port pairs"

	servicesUsage = "ports of the backend services by data format, comma separated list of format=port pairs, enables resolving the routing keys from the pyramid configuration files"
)

func NewConfig() *Config {
	cfg := new(Config)
	cfg.ForwardedHeadersList = commaListFlag()
	cfg.ProxyProtocolAllowList = commaListFlag()
	cfg.ProxyProtocolDenyList = commaListFlag()
	cfg.ProxyProtocolSkipList = commaListFlag()
	cfg.Routes = newMapFlags()
	cfg.Services = newMapFlags()

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", pyramidproxy.DefaultAddress, "network address that the proxy should listen on")
	flag.StringVar(&cfg.ProxyHost, "proxy-host", pyramidproxy.DefaultProxyHost, "public host name of the proxy, requests resolved to this host and the listener port are rejected")
	flag.StringVar(&cfg.CertPathTLS, "tls-cert", "", "the path on the local filesystem to the certificate file (including any intermediates), enables TLS")
	flag.StringVar(&cfg.KeyPathTLS, "tls-key", "", "the path on the local filesystem to the certificate's private key file")
	flag.StringVar(&cfg.SupportListener, "support-listener", pyramidproxy.DefaultSupportListener, "network address used for exposing the /metrics endpoint and the /health check, empty disables it")
	flag.StringVar(&cfg.SystemCommandsFolder, "system-commands-folder", "", "folder watched for the finish command key file (e.g. "+keyfile.DefaultFolder+"), empty disables the finish command")
	flag.DurationVar(&cfg.WaitForShutdown, "wait-for-shutdown", 0, "time to wait between the shutdown request and closing the listener, while the health check reports the shutdown")

	// proxy:
	flag.IntVar(&cfg.TimeoutMillis, "timeout", int(proxy.DefaultTimeout/time.Millisecond), timeoutUsage)
	flag.BoolVar(&cfg.CorrectMovedLocations, "correct-moved-locations", true, "rewrite the Location header of 301 and 302 responses pointing to the backend itself")
	flag.BoolVar(&cfg.ForwardedFor, "forwarded-for", true, "set or append the client address to the X-Forwarded-For header of the backend requests")
	flag.Var(cfg.ForwardedHeadersList, "forwarded-headers", forwardedHeadersUsage)
	flag.StringVar(&cfg.BackendHost, "backend-host", proxy.DefaultBackendHost, "host of the backend services, receives the requests overriding the server port")
	flag.StringVar(&cfg.FallbackBackend, "fallback-backend", "", "host:port of the backend receiving the requests without a routing key")
	flag.IntVar(&cfg.IdleConnsPerHost, "idle-conns-num", proxy.DefaultIdleConnsPerHost, "maximum idle connections per backend host")
	flag.DurationVar(&cfg.CloseIdleConnsPeriod, "close-idle-conns-period", proxy.DefaultCloseIdleConnsPeriod, "sets the time interval of closing all idle connections, a negative value disables it")
	flag.DurationVar(&cfg.DialTimeoutBackend, "dial-timeout-backend", proxy.DefaultDialTimeout, "timeout of connecting to the backends, the connect failure is reported to the failure handler")
	flag.DurationVar(&cfg.KeepaliveBackend, "keepalive-backend", proxy.DefaultKeepAlive, "sets the keepalive for the backend connections")
	flag.BoolVar(&cfg.EnableBreakers, "enable-breakers", false, enableBreakersUsage)
	flag.Var(&cfg.Breakers, "breaker", breakerUsage)
	flag.BoolVar(&cfg.EnableProxyProtocol, "enable-proxy-protocol", false, "read the PROXY protocol header on the client connections")
	flag.Var(cfg.ProxyProtocolAllowList, "proxy-protocol-allow-cidrs", "comma separated list of CIDRs or IPs allowed to send the PROXY protocol header")
	flag.Var(cfg.ProxyProtocolDenyList, "proxy-protocol-deny-cidrs", "comma separated list of CIDRs or IPs rejected when sending the PROXY protocol header, takes precedence over the other lists")
	flag.Var(cfg.ProxyProtocolSkipList, "proxy-protocol-skip-cidrs", "comma separated list of CIDRs or IPs whose connections are not checked for the PROXY protocol header")

	// routing:
	flag.IntVar(&cfg.RouteCacheSize, "route-cache-size", resolver.DefaultCacheSize, "maximum number of cached routes, the least recently used routes are evicted")
	flag.BoolVar(&cfg.RouteCacheSingleFlight, "route-cache-single-flight", false, "resolve the missing routes of different keys in parallel")
	flag.StringVar(&cfg.RoutingKeyParameter, "routing-key-parameter", resolver.DefaultKeyParameter, "query parameter containing the routing key")
	flag.StringVar(&cfg.ServerPortParameter, "server-port-parameter", resolver.DefaultServerPortParameter, "query parameter overriding the backend port")
	flag.Var(&cfg.RoutingKeyPathPrefixes, "routing-key-path-prefix", "path prefix, ending with a slash, followed by the routing key as the next path segment, can be repeated")
	flag.Var(cfg.Routes, "routes", routesUsage)
	flag.Var(cfg.Services, "services", servicesUsage)
	flag.StringVar(&cfg.PyramidConfigRoot, "pyramid-config-root", resolver.DefaultConfigRoot, "directory containing a subdirectory with the configuration file of each routing key")
	flag.StringVar(&cfg.PyramidConfigFile, "pyramid-config-file", resolver.DefaultConfigFile, "name of the configuration file of a routing key")
	flag.StringVar(&cfg.PyramidDataConfigFile, "pyramid-data-config-file", resolver.DefaultDataConfigFile, "name of the data configuration file containing the format name")

	// logging, metrics:
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "enable-runtime-metrics", false, "enables Go runtime and process metrics")
	flag.BoolVar(&cfg.EnableBackendHostMetrics, "enable-backendhost-metrics", false, "label the backend metrics with the backend address")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", defaultApplicationLogPrefix, "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, log in JSON format is used")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	_, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return err
	}

	if c.TimeoutMillis <= 0 {
		return fmt.Errorf("invalid timeout: %d", c.TimeoutMillis)
	}

	if (c.CertPathTLS == "") != (c.KeyPathTLS == "") {
		return fmt.Errorf("both tls-cert and tls-key are required to enable TLS")
	}

	if c.FallbackBackend != "" {
		if _, err := backend.ParseAddress(c.FallbackBackend); err != nil {
			return fmt.Errorf("invalid fallback backend: %w", err)
		}
	}

	if _, err := resolver.ParseStatic(c.Routes.values); err != nil {
		return err
	}

	if _, err := c.parseServices(); err != nil {
		return err
	}

	for _, cidrs := range []*listFlag{c.ProxyProtocolAllowList, c.ProxyProtocolDenyList, c.ProxyProtocolSkipList} {
		if _, err := net.ParseIPCIDRs(cidrs.values); err != nil {
			return fmt.Errorf("invalid proxy protocol CIDRs: %w", err)
		}
	}

	return c.parseForwardedHeaders()
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ContinueOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		// the repeatable flags are parsed again below
		c.Breakers = nil
		c.RoutingKeyPathPrefixes = nil

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)
	c.ServicePorts, _ = c.parseServices()
	return nil
}

func (c *Config) ToOptions() pyramidproxy.Options {
	return pyramidproxy.Options{
		Address:               c.Address,
		ProxyHost:             c.ProxyHost,
		CertPathTLS:           c.CertPathTLS,
		KeyPathTLS:            c.KeyPathTLS,
		Timeout:               time.Duration(c.TimeoutMillis) * time.Millisecond,
		CorrectMovedLocations: c.CorrectMovedLocations,
		ForwardedHeaders:      c.ForwardedHeaders,
		BackendHost:           c.BackendHost,
		FallbackBackend:       c.FallbackBackend,

		IdleConnectionsPerHost: c.IdleConnsPerHost,
		CloseIdleConnsPeriod:   c.CloseIdleConnsPeriod,
		DialTimeout:            c.DialTimeoutBackend,
		KeepAlive:              c.KeepaliveBackend,

		KeyExtractor: resolver.KeyExtractor{
			KeyParameter:        c.RoutingKeyParameter,
			ServerPortParameter: c.ServerPortParameter,
			SegmentPrefixes:     c.RoutingKeyPathPrefixes,
		},
		Routes:                 c.Routes.values,
		Services:               c.ServicePorts,
		PyramidConfigRoot:      c.PyramidConfigRoot,
		PyramidConfigFile:      c.PyramidConfigFile,
		PyramidDataConfigFile:  c.PyramidDataConfigFile,
		RouteCacheSize:         c.RouteCacheSize,
		RouteCacheSingleFlight: c.RouteCacheSingleFlight,

		EnableBreakers:  c.EnableBreakers,
		BreakerSettings: c.Breakers,

		EnableProxyProtocol:     c.EnableProxyProtocol,
		ProxyProtocolAllowCIDRs: c.ProxyProtocolAllowList.values,
		ProxyProtocolDenyCIDRs:  c.ProxyProtocolDenyList.values,
		ProxyProtocolSkipCIDRs:  c.ProxyProtocolSkipList.values,

		SupportListener:          c.SupportListener,
		EnableRuntimeMetrics:     c.EnableRuntimeMetrics,
		EnableBackendHostMetrics: c.EnableBackendHostMetrics,
		SystemCommandsFolder:     c.SystemCommandsFolder,
		WaitForShutdown:          c.WaitForShutdown,

		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,
	}
}

func (c *Config) parseServices() (map[string]int, error) {
	if len(c.Services.values) == 0 {
		return nil, nil
	}

	ports := make(map[string]int, len(c.Services.values))
	for format, p := range c.Services.values {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port of service %s: %s", format, p)
		}

		ports[format] = port
	}

	return ports, nil
}

func (c *Config) parseForwardedHeaders() error {
	c.ForwardedHeaders = net.ForwardedHeaders{For: c.ForwardedFor}
	for _, header := range c.ForwardedHeadersList.values {
		switch header {
		case "X-Forwarded-For":
			c.ForwardedHeaders.For = true
		case "X-Forwarded-For=prepend":
			c.ForwardedHeaders.PrependFor = true
		case "X-Forwarded-Host":
			c.ForwardedHeaders.Host = true
		case "X-Forwarded-Proto":
			c.ForwardedHeaders.Proto = true
		default:
			return fmt.Errorf("invalid forwarded header: %s", header)
		}
	}

	return nil
}
