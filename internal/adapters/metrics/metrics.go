// Package metrics exposes stockcount service counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hylla/stockcount/internal/domain"
)

const namespace = "stockcount"

// Recorder implements app.Metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	reservationsAcquired prometheus.Counter
	reservationConflicts prometheus.Counter
	reservationTakeovers prometheus.Counter
	blocksFinalized      *prometheus.CounterVec
	finalizeParked       prometheus.Counter
	catalogFallbacks     prometheus.Counter
	httpRequests         *prometheus.CounterVec
}

// NewRecorder registers every stockcount collector plus the Go runtime collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		reservationsAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "acquired_total",
			Help:      "Reservations granted to an operator.",
		}),
		reservationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "conflicts_total",
			Help:      "Reservation attempts rejected because another operator holds the block.",
		}),
		reservationTakeovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "takeovers_total",
			Help:      "Stale reservations replaced by a new operator.",
		}),
		blocksFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "block",
			Name:      "finalized_total",
			Help:      "Blocks whose count log entries were delivered, by outcome.",
		}, []string{"outcome"}),
		finalizeParked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "block",
			Name:      "finalize_parked_total",
			Help:      "Finalize payloads parked after the count log rejected them.",
		}),
		catalogFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "fallbacks_total",
			Help:      "Catalog reads answered from the last good snapshot.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API responses by route and status class.",
		}, []string{"route", "code"}),
	}
}

// ReservationAcquired counts a granted reservation.
func (r *Recorder) ReservationAcquired() { r.reservationsAcquired.Inc() }

// ReservationConflict counts a rejected reservation.
func (r *Recorder) ReservationConflict() { r.reservationConflicts.Inc() }

// ReservationTakeover counts a stale reservation being replaced.
func (r *Recorder) ReservationTakeover() { r.reservationTakeovers.Inc() }

// BlockFinalized counts a delivered block by outcome.
func (r *Recorder) BlockFinalized(outcome domain.Outcome) {
	r.blocksFinalized.WithLabelValues(string(outcome)).Inc()
}

// FinalizeParked counts a payload kept for retry.
func (r *Recorder) FinalizeParked() { r.finalizeParked.Inc() }

// CatalogFallback counts a catalog read served from cache.
func (r *Recorder) CatalogFallback() { r.catalogFallbacks.Inc() }

// HTTPRequest counts one API response.
func (r *Recorder) HTTPRequest(route string, code int) {
	r.httpRequests.WithLabelValues(route, statusClass(code)).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
