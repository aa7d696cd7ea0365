package config

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyramidproxy/pyramidproxy/circuit"
	"github.com/pyramidproxy/pyramidproxy/net"
)

func defaultConfig(with func(*Config)) *Config {
	cfg := &Config{
		Flags:                     nil,
		Address:                   ":8080",
		ProxyHost:                 "localhost",
		SupportListener:           ":9911",
		TimeoutMillis:             30000,
		CorrectMovedLocations:     true,
		ForwardedFor:              true,
		ForwardedHeadersList:      commaListFlag(),
		BackendHost:               "localhost",
		IdleConnsPerHost:          64,
		CloseIdleConnsPeriod:      20 * time.Second,
		DialTimeoutBackend:        10 * time.Second,
		KeepaliveBackend:          30 * time.Second,
		ProxyProtocolAllowList:    commaListFlag(),
		ProxyProtocolDenyList:     commaListFlag(),
		ProxyProtocolSkipList:     commaListFlag(),
		RouteCacheSize:            500000,
		RoutingKeyParameter:       "pyramidId",
		ServerPortParameter:       "serverPort",
		Routes:                    newMapFlags(),
		Services:                  newMapFlags(),
		PyramidConfigRoot:         "/pp-links",
		PyramidConfigFile:         "config.json",
		PyramidDataConfigFile:     ".pp.json",
		ApplicationLogLevel:       log.InfoLevel,
		ApplicationLogLevelString: "INFO",
		ApplicationLogPrefix:      "[APP]",
		ForwardedHeaders:          net.ForwardedHeaders{For: true},
	}
	with(cfg)
	return cfg
}

func TestToOptions(t *testing.T) {
	c := defaultConfig(func(c *Config) {
		c.TimeoutMillis = 1500
		c.FallbackBackend = "localhost:9000"
		c.ForwardedHeadersList.Set("X-Forwarded-For=prepend,X-Forwarded-Proto")
		c.Routes.Set("p1=localhost:9001")
		c.Services.Set("tms=9100")
		c.Breakers.Set("type=consecutive,failures=3")
		c.EnableBreakers = true
		c.EnableProxyProtocol = true
		c.ProxyProtocolAllowList.Set("10.0.0.0/8,127.0.0.1")
		c.RoutingKeyPathPrefixes = multiFlag{"/pyramids/"}
		c.SystemCommandsFolder = "/tmp/commands"
	})

	if err := validate(c); err != nil {
		t.Fatalf("Failed to validate config: %v", err)
	}

	c.ServicePorts, _ = c.parseServices()
	opt := c.ToOptions()

	assert.Equal(t, 1500*time.Millisecond, opt.Timeout)
	assert.Equal(t, "localhost:9000", opt.FallbackBackend)
	assert.Equal(t, net.ForwardedHeaders{For: true, PrependFor: true, Proto: true}, opt.ForwardedHeaders)
	assert.Equal(t, map[string]string{"p1": "localhost:9001"}, opt.Routes)
	assert.Equal(t, map[string]int{"tms": 9100}, opt.Services)
	assert.True(t, opt.EnableBreakers)
	assert.Equal(t, []circuit.BreakerSettings{{Type: circuit.ConsecutiveFailures, Failures: 3}}, opt.BreakerSettings)
	assert.True(t, opt.EnableProxyProtocol)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, opt.ProxyProtocolAllowCIDRs)
	assert.Equal(t, []string{"/pyramids/"}, opt.KeyExtractor.SegmentPrefixes)
	assert.Equal(t, "pyramidId", opt.KeyExtractor.KeyParameter)
	assert.Equal(t, "serverPort", opt.KeyExtractor.ServerPortParameter)
	assert.Equal(t, "/tmp/commands", opt.SystemCommandsFolder)
	assert.True(t, opt.CorrectMovedLocations)
	assert.Equal(t, log.InfoLevel, opt.ApplicationLogLevel)
	assert.Equal(t, "[APP]", opt.ApplicationLogPrefix)
}

func TestDefaultOptions(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.ParseArgs("pyramidproxy", nil))

	opt := cfg.ToOptions()
	assert.True(t, opt.CorrectMovedLocations)
	assert.Equal(t, net.ForwardedHeaders{For: true}, opt.ForwardedHeaders)
	assert.Equal(t, 30*time.Second, opt.Timeout)
}

func Test_Validate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		change  func(c *Config)
		want    error
		wantErr bool
	}{
		{
			name: "test wrong loglevel",
			change: func(c *Config) {
				c.ApplicationLogLevelString = "wrongLevel"
			},
			want:    errors.New(`not a valid logrus Level: "wrongLevel"`),
			wantErr: true,
		},
		{
			name: "test valid config",
			change: func(c *Config) {
				c.ApplicationLogLevelString = "DEBUG"
			},
			want:    nil,
			wantErr: false,
		},
		{
			name: "test invalid timeout",
			change: func(c *Config) {
				c.TimeoutMillis = 0
			},
			wantErr: true,
			want:    errors.New("invalid timeout: 0"),
		},
		{
			name: "test certificate without key",
			change: func(c *Config) {
				c.CertPathTLS = "cert.pem"
			},
			wantErr: true,
			want:    errors.New("both tls-cert and tls-key are required to enable TLS"),
		},
		{
			name: "test invalid fallback backend",
			change: func(c *Config) {
				c.FallbackBackend = "localhost:http"
			},
			wantErr: true,
			want:    errors.New(`invalid fallback backend: invalid argument: invalid port "http"`),
		},
		{
			name: "test invalid route",
			change: func(c *Config) {
				c.Routes.Set("p1=localhost")
			},
			wantErr: true,
		},
		{
			name: "test invalid service port",
			change: func(c *Config) {
				c.Services.Set("tms=port")
			},
			wantErr: true,
			want:    errors.New("invalid port of service tms: port"),
		},
		{
			name: "test invalid proxy protocol CIDR",
			change: func(c *Config) {
				c.ProxyProtocolDenyList.Set("10.0.0.0/33")
			},
			wantErr: true,
		},
		{
			name: "test invalid forwarded header",
			change: func(c *Config) {
				c.ForwardedHeadersList.Set("X-Forwarded-Uri")
			},
			wantErr: true,
			want:    errors.New("invalid forwarded header: X-Forwarded-Uri"),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			require.NoError(t, cfg.Flags.Parse(nil))

			tt.change(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("config.NewConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err != nil && tt.want != nil && err.Error() != tt.want.Error() {
				t.Errorf("Failed to get wanted error, got: %v, want: %v", err, tt.want)
			}
		})
	}
}

func Test_NewConfigWithArgs(t *testing.T) {
	for _, tt := range []struct {
		name    string
		args    []string
		want    *Config
		wantErr bool
	}{
		{
			name: "test defaults",
			args: []string{"pyramidproxy"},
			want: defaultConfig(func(*Config) {}),
		},
		{
			name:    "test args len bigger than 0 throws an error",
			args:    []string{"pyramidproxy", "arg1"},
			wantErr: true,
		},
		{
			name:    "test non-existing config file throw an error",
			args:    []string{"pyramidproxy", "-config-file=non-existent.yaml"},
			wantErr: true,
		},
		{
			name:    "test invalid breaker flag",
			args:    []string{"pyramidproxy", "-breaker=type=rate"},
			wantErr: true,
		},
		{
			name: "test repeated flags",
			args: []string{
				"pyramidproxy",
				"-breaker=failures=3",
				"-breaker=host=localhost:9001,type=disabled",
				"-routing-key-path-prefix=/pyramids/",
				"-routing-key-path-prefix=/tiles/",
				"-forwarded-for=false",
			},
			want: defaultConfig(func(c *Config) {
				c.Breakers = breakerFlags{
					{Failures: 3},
					{Host: "localhost:9001", Type: circuit.BreakerDisabled},
				}
				c.RoutingKeyPathPrefixes = multiFlag{"/pyramids/", "/tiles/"}
				c.ForwardedFor = false
				c.ForwardedHeaders = net.ForwardedHeaders{}
			}),
		},
		{
			name: "test only valid flag overwrite yaml file",
			args: []string{"pyramidproxy", "-config-file=testdata/test.yaml", "-address=localhost:8080", "-breaker=host=localhost:9002,failures=1"},
			want: defaultConfig(func(c *Config) {
				c.ConfigFile = "testdata/test.yaml"
				c.Address = "localhost:8080"
				c.TimeoutMillis = 5000
				c.Routes = &mapFlags{values: map[string]string{"p1": "localhost:9001", "p2": "localhost:9002"}}
				c.Services = &mapFlags{values: map[string]string{"tms": "9100", "svs": "9101"}}
				c.ServicePorts = map[string]int{"tms": 9100, "svs": 9101}
				c.Breakers = breakerFlags{
					{Type: circuit.ConsecutiveFailures, Failures: 3},
					{Host: "localhost:9001", Type: circuit.BreakerDisabled},
					{Host: "localhost:9002", Failures: 1},
				}
				c.RoutingKeyPathPrefixes = multiFlag{"/pyramids/"}
				c.ForwardedHeadersList = &listFlag{
					sep:     ",",
					allowed: map[string]bool{},
					value:   "X-Forwarded-Host",
					values:  []string{"X-Forwarded-Host"},
				}
				c.ForwardedHeaders = net.ForwardedHeaders{For: true, Host: true}
			}),
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := cfg.ParseArgs(tt.args[0], tt.args[1:])

			if (err != nil) != tt.wantErr {
				t.Fatalf("config.NewConfig() error: %v, wantErr: %v", err, tt.wantErr)
			}

			if !tt.wantErr {
				d := cmp.Diff(cfg, tt.want,
					cmp.AllowUnexported(listFlag{}, mapFlags{}),
					cmpopts.IgnoreFields(Config{}, "Flags"),
				)
				if d != "" {
					t.Errorf("config.NewConfig() want vs got:\n%s", d)
				}
			}
		})
	}
}
