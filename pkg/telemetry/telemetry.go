// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry provides the internal metrics of the control plane.
// Metrics are declared as package-level vars next to the code they count and
// are served by the HTTP API on /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var registry = newRegistry()

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Handler returns the HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Counter tracks how many times something happens.
type Counter struct {
	vec *prometheus.CounterVec
}

// NewCounter creates a Counter with the given subsystem, name and tag keys.
func NewCounter(subsystem, name string, tags []string, help string) Counter {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "missionctl",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		tags,
	)
	registry.MustRegister(vec)
	return Counter{vec: vec}
}

// Inc increments the counter for the given tag values.
func (c Counter) Inc(tagValues ...string) {
	c.vec.WithLabelValues(tagValues...).Inc()
}

// Add adds the given value to the counter.
func (c Counter) Add(value float64, tagValues ...string) {
	c.vec.WithLabelValues(tagValues...).Add(value)
}

// Get returns the current value for the given tag values. Test helper.
func (c Counter) Get(tagValues ...string) float64 {
	m := &dto.Metric{}
	_ = c.vec.WithLabelValues(tagValues...).Write(m)
	return m.GetCounter().GetValue()
}

// Gauge tracks a value that can go up and down.
type Gauge struct {
	vec *prometheus.GaugeVec
}

// NewGauge creates a Gauge with the given subsystem, name and tag keys.
func NewGauge(subsystem, name string, tags []string, help string) Gauge {
	vec := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "missionctl",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		tags,
	)
	registry.MustRegister(vec)
	return Gauge{vec: vec}
}

// Set sets the gauge for the given tag values.
func (g Gauge) Set(value float64, tagValues ...string) {
	g.vec.WithLabelValues(tagValues...).Set(value)
}

// Inc increments the gauge for the given tag values.
func (g Gauge) Inc(tagValues ...string) {
	g.vec.WithLabelValues(tagValues...).Inc()
}

// Dec decrements the gauge for the given tag values.
func (g Gauge) Dec(tagValues ...string) {
	g.vec.WithLabelValues(tagValues...).Dec()
}

// Get returns the current value for the given tag values. Test helper.
func (g Gauge) Get(tagValues ...string) float64 {
	m := &dto.Metric{}
	_ = g.vec.WithLabelValues(tagValues...).Write(m)
	return m.GetGauge().GetValue()
}

// Histogram samples observations into configurable buckets.
type Histogram struct {
	vec *prometheus.HistogramVec
}

// NewHistogram creates a Histogram with the given subsystem, name, tag keys
// and buckets.
func NewHistogram(subsystem, name string, tags []string, help string, buckets []float64) Histogram {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "missionctl",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		tags,
	)
	registry.MustRegister(vec)
	return Histogram{vec: vec}
}

// Observe records a single observation.
func (h Histogram) Observe(value float64, tagValues ...string) {
	h.vec.WithLabelValues(tagValues...).Observe(value)
}
