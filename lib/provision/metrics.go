// Copyright (C) The Skyferry Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	attempts        *prometheus.CounterVec
	failovers       prometheus.Counter
	blockedPatterns prometheus.Gauge
	provisionTime   prometheus.Summary
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{}
	m.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skyferry",
		Subsystem: "provision",
		Name:      "attempts_total",
		Help:      "Number of provisioning attempts, by cloud and outcome.",
	}, []string{"cloud", "outcome"})
	m.failovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skyferry",
		Subsystem: "provision",
		Name:      "failovers_total",
		Help:      "Number of times the engine abandoned a placement candidate and moved on.",
	})
	m.blockedPatterns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skyferry",
		Subsystem: "provision",
		Name:      "blocked_patterns",
		Help:      "Number of blocked resource patterns accumulated by the most recent provisioning session.",
	})
	m.provisionTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "skyferry",
		Subsystem: "provision",
		Name:      "run_seconds",
		Help:      "Time spent in successful bulk-provision calls.",
	})
	if reg != nil {
		reg.MustRegister(m.attempts)
		reg.MustRegister(m.failovers)
		reg.MustRegister(m.blockedPatterns)
		reg.MustRegister(m.provisionTime)
	}
	return m
}
