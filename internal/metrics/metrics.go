// Package metrics exposes the supervisor's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var regOK atomic.Bool

var (
	UnitStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcprun",
			Subsystem: "unit",
			Name:      "starts_total",
			Help:      "Number of successful unit starts.",
		}, []string{"unit"},
	)
	UnitCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcprun",
			Subsystem: "unit",
			Name:      "crashes_total",
			Help:      "Number of unit crashes (non-manual exits).",
		}, []string{"unit"},
	)
	UnitRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcprun",
			Subsystem: "unit",
			Name:      "restarts_total",
			Help:      "Number of unit restarts, labeled by what triggered them.",
		}, []string{"unit", "trigger"},
	)
	BuildTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcprun",
			Name:      "build_total",
			Help:      "Number of build attempts, labeled by unit, profile and result.",
		}, []string{"unit", "profile", "result"},
	)
	Mode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcprun",
			Name:      "mode",
			Help:      "Current run mode (0 = release, 1 = dev).",
		},
	)
	ModeFlips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcprun",
			Name:      "mode_flips_total",
			Help:      "Number of dev-to-release mode flips.",
		},
	)
)

// Register registers every collector with r. Safe to call more than once:
// after the first successful call, later calls return nil without
// registering anything, whatever r they are given.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{UnitStarts, UnitCrashes, UnitRestarts, BuildTotal, Mode, ModeFlips}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves Prometheus metrics gathered from reg, rather than the
// global DefaultGatherer — callers are expected to pass the same private
// Registry they registered the collectors against.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
