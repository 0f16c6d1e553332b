package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lock acquire attempts partitioned by result.",
		},
		[]string{"result"},
	)

	lockReleaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "lock",
			Name:      "release_total",
			Help:      "Lock release attempts partitioned by result.",
		},
		[]string{"result"},
	)

	remoteOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "remote",
			Name:      "online",
			Help:      "Whether the remote sheet client is online (1=yes).",
		},
	)

	remoteRateLimited = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "remote",
			Name:      "rate_limited",
			Help:      "Whether the remote client is currently in a backoff window (1=yes).",
		},
	)

	storeOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "store",
			Name:      "online",
			Help:      "Whether the relational store client is online (1=yes).",
		},
	)

	pollChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "reconciler",
			Name:      "poll_changes_total",
			Help:      "Total cell changes detected across all polls.",
		},
		[]string{},
	)

	pollSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cellsync",
			Subsystem: "reconciler",
			Name:      "poll_seconds",
			Help:      "Latency of a single poll iteration.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	outboundPushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "outbound",
			Name:      "push_total",
			Help:      "Outbound batch pushes partitioned by outcome.",
		},
		[]string{"result"},
	)

	outboundPushSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cellsync",
			Subsystem: "outbound",
			Name:      "push_seconds",
			Help:      "Latency of outbound batch pushes.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pendingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cellsync",
			Subsystem: "queue",
			Name:      "pending_depth",
			Help:      "Depth of a pending-change queue.",
		},
		[]string{"queue"},
	)

	pendingDrainTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "queue",
			Name:      "drain_total",
			Help:      "Drain attempts partitioned by queue and outcome.",
		},
		[]string{"queue", "result"},
	)

	workerJobTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellsync",
			Subsystem: "worker",
			Name:      "job_total",
			Help:      "Worker job outcomes.",
		},
		[]string{"result"},
	)
)

var regOnce sync.Once

// MustRegisterAll registers every collector exactly once and installs the
// Prometheus-backed hooks globally. Call once at process bootstrap.
func MustRegisterAll() {
	regOnce.Do(func() {
		prometheus.MustRegister(
			lockAcquireTotal, lockReleaseTotal,
			remoteOnline, remoteRateLimited, storeOnline,
			pollChangesTotal, pollSeconds,
			outboundPushTotal, outboundPushSeconds,
			pendingDepth, pendingDrainTotal,
			workerJobTotal,
		)
		installHooks()
	})
}

func installHooks() {
	WithHooks(Hooks{
		OnLockAcquireAttempt: func(_, result string) {
			lockAcquireTotal.WithLabelValues(result).Inc()
		},
		OnLockRelease: func(_, result string) {
			lockReleaseTotal.WithLabelValues(result).Inc()
		},
		OnRemoteRateLimitEnter: func(_ time.Duration) {
			remoteRateLimited.Set(1)
		},
		OnRemoteRateLimitExit: func() {
			remoteRateLimited.Set(0)
		},
		OnRemoteOnlineChanged: func(online bool) {
			remoteOnline.Set(boolToFloat(online))
		},
		OnStoreOnlineChanged: func(online bool) {
			storeOnline.Set(boolToFloat(online))
		},
		OnPollResult: func(changes int, latency time.Duration) {
			pollChangesTotal.WithLabelValues().Add(float64(changes))
			pollSeconds.Observe(latency.Seconds())
		},
		OnOutboundPush: func(_ int, ok bool, latency time.Duration) {
			result := "ok"
			if !ok {
				result = "error"
			}
			outboundPushTotal.WithLabelValues(result).Inc()
			outboundPushSeconds.Observe(latency.Seconds())
		},
		OnPendingEnqueue: func(queue string, depth int64) {
			pendingDepth.WithLabelValues(queue).Set(float64(depth))
		},
		OnPendingDrain: func(queue string, drained int, ok bool) {
			result := "ok"
			if !ok {
				result = "error"
			}
			pendingDrainTotal.WithLabelValues(queue, result).Add(float64(drained))
		},
		OnWorkerJobResult: func(result string) {
			workerJobTotal.WithLabelValues(result).Inc()
		},
	})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
