// Package metrics is the stats sink HCACHE's per-type hits/misses gauges are
// registered into, plus a minimal HTTP exposition endpoint. BG scheduler
// overruns and SQ sent/dropped/vetoed counters are not registered here; they
// are read through those packages' own Stats methods.
package metrics

import (
	"net/http"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/gtkg-go/corepeer/log"
)

// Sink owns a go-metrics registry and exposes it over HTTP as JSON.
type Sink struct {
	registry gometrics.Registry
	log      log.Logger
}

// New wraps registry (created fresh if nil) with a logger (log.Root() if
// nil).
func New(registry gometrics.Registry, logger log.Logger) *Sink {
	if registry == nil {
		registry = gometrics.NewRegistry()
	}
	if logger == nil {
		logger = log.Root()
	} else {
		logger = logger.New("module", "metrics")
	}
	return &Sink{registry: registry, log: logger}
}

// Registry exposes the underlying go-metrics registry so subsystems can
// call gometrics.NewRegisteredGauge/Meter/etc directly against it.
func (s *Sink) Registry() gometrics.Registry { return s.registry }

// Gauge returns (creating if necessary) a named integer gauge.
func (s *Sink) Gauge(name string) gometrics.Gauge {
	return gometrics.GetOrRegisterGauge(name, s.registry)
}

// Meter returns (creating if necessary) a named meter.
func (s *Sink) Meter(name string) gometrics.Meter {
	return gometrics.GetOrRegisterMeter(name, s.registry)
}

// ServeHTTP dumps every registered metric as a single JSON object. There is
// no expvar hop here; WriteJSONOnce renders the registry directly.
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	gometrics.WriteJSONOnce(s.registry, w)
}
