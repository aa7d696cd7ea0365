package metrics

import (
	"net/http"
	"time"
)

type void struct{}

// Void is a Metrics implementation that discards everything.
var Void Metrics = void{}

func (void) MeasureSince(string, time.Time)              {}
func (void) IncCounter(string)                           {}
func (void) IncCounterBy(string, int64)                  {}
func (void) UpdateGauge(string, float64)                 {}
func (void) MeasureRouteLookup(time.Time)                {}
func (void) IncRoutingFailures()                         {}
func (void) IncRouteCacheHits()                          {}
func (void) IncRouteCacheMisses()                        {}
func (void) IncRouteCacheEvictions()                     {}
func (void) MeasureBackend(string, time.Time)            {}
func (void) IncErrorsBackend(string)                     {}
func (void) IncTimeouts(string)                          {}
func (void) IncErrorsStreaming(string)                   {}
func (void) MeasureServe(string, string, int, time.Time) {}
func (void) RegisterHandler(string, *http.ServeMux)      {}
func (void) Close()                                      {}
