package circuit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BreakerType defines the type of the used breaker: consecutive or disabled.
type BreakerType int

const (
	BreakerNone BreakerType = iota
	ConsecutiveFailures
	BreakerDisabled
)

// ParseBreakerType parses the command line representation of a breaker type.
func ParseBreakerType(value string) (BreakerType, error) {
	switch value {
	case "consecutive":
		return ConsecutiveFailures, nil
	case "disabled":
		return BreakerDisabled, nil
	default:
		return BreakerNone, fmt.Errorf("invalid breaker type %v (allowed values are: consecutive or disabled)", value)
	}
}

func (b *BreakerType) UnmarshalYAML(unmarshal func(any) error) error {
	var value string
	if err := unmarshal(&value); err != nil {
		return err
	}

	t, err := ParseBreakerType(value)
	if err != nil {
		return err
	}

	*b = t
	return nil
}

// BreakerSettings contains the settings for the breaker of a single backend address. When Host is empty, the
// settings serve as defaults.
type BreakerSettings struct {
	Type             BreakerType   `yaml:"type"`
	Host             string        `yaml:"host"`
	Failures         int           `yaml:"failures"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests int           `yaml:"half-open-requests"`
	IdleTTL          time.Duration `yaml:"idle-ttl"`
}

type breakerImplementation interface {
	Allow() (func(bool), bool)
}

type voidBreaker struct{}

// Breaker represents a single circuit breaker of a backend address.
//
// Use the Get() method of the Registry to request fully initialized breakers.
type Breaker struct {
	settings BreakerSettings
	ts       time.Time
	impl     breakerImplementation
}

func (to BreakerSettings) mergeSettings(from BreakerSettings) BreakerSettings {
	if to.Type == BreakerNone {
		to.Type = from.Type
	}

	if to.Failures == 0 {
		to.Failures = from.Failures
	}

	if to.Timeout == 0 {
		to.Timeout = from.Timeout
	}

	if to.HalfOpenRequests == 0 {
		to.HalfOpenRequests = from.HalfOpenRequests
	}

	if to.IdleTTL == 0 {
		to.IdleTTL = from.IdleTTL
	}

	return to
}

// String returns the string representation of a particular set of settings, in the same format as accepted
// on the command line.
//
//lint:ignore ST1016 "s" makes sense here and mergeSettings has "to"
func (s BreakerSettings) String() string {
	var ss []string

	switch s.Type {
	case ConsecutiveFailures:
		ss = append(ss, "type=consecutive")
	case BreakerDisabled:
		ss = append(ss, "type=disabled")
	}

	if s.Host != "" {
		ss = append(ss, "host="+s.Host)
	}

	if s.Failures > 0 {
		ss = append(ss, "failures="+strconv.Itoa(s.Failures))
	}

	if s.Timeout > 0 {
		ss = append(ss, "timeout="+s.Timeout.String())
	}

	if s.HalfOpenRequests > 0 {
		ss = append(ss, "half-open-requests="+strconv.Itoa(s.HalfOpenRequests))
	}

	if s.IdleTTL > 0 {
		ss = append(ss, "idle-ttl="+s.IdleTTL.String())
	}

	return strings.Join(ss, ",")
}

// ParseBreakerSettings parses the command line representation of breaker settings, a comma separated list
// of key=value pairs, e.g. type=consecutive,host=localhost:8090,failures=3,timeout=10s.
func ParseBreakerSettings(value string) (BreakerSettings, error) {
	var s BreakerSettings
	for _, kv := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			return BreakerSettings{}, fmt.Errorf("invalid breaker setting %q", kv)
		}

		var err error
		switch k {
		case "type":
			s.Type, err = ParseBreakerType(v)
		case "host":
			s.Host = v
		case "failures":
			s.Failures, err = strconv.Atoi(v)
		case "timeout":
			s.Timeout, err = time.ParseDuration(v)
		case "half-open-requests":
			s.HalfOpenRequests, err = strconv.Atoi(v)
		case "idle-ttl":
			s.IdleTTL, err = time.ParseDuration(v)
		default:
			return BreakerSettings{}, fmt.Errorf("invalid breaker setting key %q", k)
		}

		if err != nil {
			return BreakerSettings{}, fmt.Errorf("invalid breaker setting %q: %w", kv, err)
		}
	}

	return s, nil
}

func (b voidBreaker) Allow() (func(bool), bool) {
	return func(bool) {}, true
}

func newBreaker(s BreakerSettings, onStateChange func(host, from, to string)) *Breaker {
	var impl breakerImplementation
	switch s.Type {
	case ConsecutiveFailures:
		impl = newConsecutive(s, onStateChange)
	default:
		impl = voidBreaker{}
	}

	return &Breaker{
		settings: s,
		impl:     impl,
	}
}

// Allow returns true if the breaker is in the closed state and a callback function for reporting the outcome of
// the operation. The callback expects true values if the outcome of the session was successful. Allow does not
// return a callback function when the state is open.
func (b *Breaker) Allow() (func(bool), bool) {
	return b.impl.Allow()
}

// Settings returns the effective settings of the breaker.
func (b *Breaker) Settings() BreakerSettings {
	return b.settings
}

func (b *Breaker) idle(now time.Time) bool {
	return now.Sub(b.ts) > b.settings.IdleTTL
}
