package config

import (
	"strings"

	"github.com/pyramidproxy/pyramidproxy/circuit"
)

const breakerUsage = `set custom or default circuit breaker settings, e.g. -breaker type=consecutive,failures=5,timeout=10s
	possible breaker properties:
	type: consecutive/disabled (defaults to consecutive)
	host: a backend address in host:port form, the settings without a host are the defaults
	failures: the number of consecutive failures opening the breaker
	timeout: duration string, the time the breaker stays open
	half-open-requests: the number of requests allowed in half open state
	idle-ttl: duration string, the time of inactivity after which the breaker of a backend is dropped
	the breakers are enabled only when -enable-breakers is set`

const enableBreakersUsage = `enable circuit breakers for the backend addresses`

type breakerFlags []circuit.BreakerSettings

func (b breakerFlags) String() string {
	s := make([]string, len(b))
	for i, bi := range b {
		s[i] = bi.String()
	}

	return strings.Join(s, "\n")
}

func (b *breakerFlags) Set(value string) error {
	s, err := circuit.ParseBreakerSettings(value)
	if err != nil {
		return err
	}

	*b = append(*b, s)
	return nil
}

// UnmarshalYAML accepts a single breaker settings object or a list of
// them.
func (b *breakerFlags) UnmarshalYAML(unmarshal func(any) error) error {
	var list []circuit.BreakerSettings
	if err := unmarshal(&list); err == nil {
		*b = append(*b, list...)
		return nil
	}

	var s circuit.BreakerSettings
	if err := unmarshal(&s); err != nil {
		return err
	}

	*b = append(*b, s)
	return nil
}
