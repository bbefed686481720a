package policynet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadctl_policynet_calls_total",
		Help: "Head-end SOAP calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loadctl_policynet_call_duration_seconds",
		Help:    "Head-end SOAP call latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadctl_policynet_breaker_open",
		Help: "1 when the head-end circuit breaker is open.",
	})
)
