package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadctl_dispatch_requests_claimed_total",
		Help: "Requests claimed from the ingress queue.",
	})

	unitsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadctl_dispatch_units_submitted_total",
		Help: "Dispatch units submitted to the workflow engine by policy class.",
	}, []string{"class"})

	requestsDeclined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadctl_dispatch_requests_declined_total",
		Help: "Requests declined by the dispatcher (window expired in queue).",
	})

	claimsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadctl_dispatch_stale_claims_requeued_total",
		Help: "Ingress claims returned to pending by the stale-claim sweep.",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loadctl_dispatch_batch_duration_seconds",
		Help:    "Wall time to process one claimed ingress batch.",
		Buckets: prometheus.DefBuckets,
	})
)
