package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocksync",
		Name:      "runs_total",
		Help:      "Sync runs by final result (done, nop, checksums_not_match, error, contended).",
	}, []string{"result"})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blocksync",
		Name:      "stage_duration_seconds",
		Help:      "Wall time spent per pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
	LabelsDiffed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocksync",
		Name:      "labels_diffed_total",
		Help:      "Label change records produced, by change type.",
	}, []string{"type"})
	UnblockableDomains = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocksync",
		Name:      "unblockable_domains_total",
		Help:      "Unblockable domains recorded, by reason.",
	}, []string{"reason"})
	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocksync",
		Name:      "provider_requests_total",
		Help:      "Provider API requests by operation and outcome.",
	}, []string{"op", "outcome"})
	RefreshRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocksync",
		Name:      "refresh_runs_total",
		Help:      "Unblockable refresh runs by final result (done, error, contended).",
	}, []string{"result"})
)

// Init registers collectors; call once from main.
func Init() {
	prometheus.MustRegister(SyncRuns, StageDuration, LabelsDiffed, UnblockableDomains, ProviderRequests, RefreshRuns)
}
