// Package promsink exports telemetry flushes as Prometheus metrics.
package promsink

import (
	"context"
	"fmt"

	"github.com/ggoodman/portlink-go/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink turns flushed buckets into counters, gauges and a histogram of the
// retained samples.
type Sink struct {
	events  *prometheus.CounterVec
	sum     *prometheus.CounterVec
	max     *prometheus.GaugeVec
	samples *prometheus.HistogramVec
	alerts  *prometheus.CounterVec
}

var _ telemetry.Sink = (*Sink)(nil)

// New builds the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Sink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Sink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portlink",
				Subsystem: "telemetry",
				Name:      "events_total",
				Help:      "Measurements recorded per category and event.",
			},
			[]string{"category", "event"},
		),
		sum: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portlink",
				Subsystem: "telemetry",
				Name:      "measurement_sum",
				Help:      "Sum of recorded measurements.",
			},
			[]string{"category", "event"},
		),
		max: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "portlink",
				Subsystem: "telemetry",
				Name:      "measurement_max",
				Help:      "Largest measurement in the most recent flush.",
			},
			[]string{"category", "event"},
		),
		samples: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "portlink",
				Subsystem: "telemetry",
				Name:      "sample_ms",
				Help:      "Reservoir samples of recorded measurements.",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"category", "event"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "portlink",
				Subsystem: "telemetry",
				Name:      "alerts_total",
				Help:      "Threshold alerts and escalated errors.",
			},
			[]string{"category", "event"},
		),
	}
	for _, c := range []prometheus.Collector{s.events, s.sum, s.max, s.samples, s.alerts} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register telemetry collector: %w", err)
		}
	}
	return s, nil
}

func (s *Sink) Flush(_ context.Context, buckets []telemetry.Bucket) error {
	for _, b := range buckets {
		s.events.WithLabelValues(b.Category, b.Event).Add(float64(b.Count))
		if b.Sum >= 0 {
			s.sum.WithLabelValues(b.Category, b.Event).Add(b.Sum)
		}
		s.max.WithLabelValues(b.Category, b.Event).Set(b.Max)
		obs := s.samples.WithLabelValues(b.Category, b.Event)
		for _, v := range b.Samples {
			obs.Observe(v)
		}
	}
	return nil
}

func (s *Sink) Alert(_ context.Context, a telemetry.Alert) error {
	s.alerts.WithLabelValues(a.Category, a.Event).Inc()
	return nil
}
