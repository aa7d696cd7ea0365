package circuit

import (
	"sync"
	"time"

	"github.com/pyramidproxy/pyramidproxy/logging"
)

const DefaultIdleTTL = time.Hour

// Options for the breaker registry.
type Options struct {

	// Defaults are used for every backend address without its own settings.
	Defaults BreakerSettings

	// HostSettings are merged with the defaults, settings with the same Host are merged together.
	HostSettings []BreakerSettings

	// Log receives the state changes of the breakers.
	Log logging.Logger
}

// Registry objects hold the active circuit breakers, ensure synchronized access to them, apply default settings
// and recycle the idle breakers.
type Registry struct {
	defaults     BreakerSettings
	hostSettings map[string]BreakerSettings
	lookup       map[string]*Breaker
	log          logging.Logger
	mx           sync.Mutex
}

// NewRegistry initializes a registry with the provided settings.
func NewRegistry(o Options) *Registry {
	defaults := o.Defaults
	defaults.Host = ""
	if defaults.IdleTTL <= 0 {
		defaults.IdleTTL = DefaultIdleTTL
	}

	hs := make(map[string]BreakerSettings)
	for _, s := range o.HostSettings {
		if s.Host == "" {
			continue
		}

		if sh, ok := hs[s.Host]; ok {
			hs[s.Host] = s.mergeSettings(sh)
		} else {
			hs[s.Host] = s.mergeSettings(defaults)
		}
	}

	return &Registry{
		defaults:     defaults,
		hostSettings: hs,
		lookup:       make(map[string]*Breaker),
		log:          logging.OrDefault(o.Log),
	}
}

func (r *Registry) settings(host string) BreakerSettings {
	if s, ok := r.hostSettings[host]; ok {
		return s
	}

	s := r.defaults
	s.Host = host
	return s
}

func (r *Registry) dropIdle(now time.Time) {
	for h, b := range r.lookup {
		if b.idle(now) {
			delete(r.lookup, h)
		}
	}
}

func (r *Registry) stateChanged(host, from, to string) {
	r.log.Infof("circuit breaker %v went from %v to %v", host, from, to)
}

// Get returns the circuit breaker of a backend address, in host:port form. It returns nil when no breaker is
// configured for the address, or the breaker is disabled for it.
func (r *Registry) Get(host string) *Breaker {
	if host == "" {
		return nil
	}

	s := r.settings(host)
	if s.Type != ConsecutiveFailures {
		return nil
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	now := time.Now()

	b, ok := r.lookup[host]
	if !ok || b.idle(now) {
		// check if there is any other to evict, evict if yes
		r.dropIdle(now)

		b = newBreaker(s, r.stateChanged)
		r.lookup[host] = b
	}

	// set the access timestamp
	b.ts = now

	return b
}

// Len returns the number of active breakers.
func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.lookup)
}
