// Package metrics registers the prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Marks counts attendance marking attempts by method and outcome.
	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_marks_total",
		Help: "Attendance marking attempts by method and outcome.",
	}, []string{"method", "outcome"})

	// SessionsExpired counts session closures by cause (countdown, sweep,
	// ended).
	SessionsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_sessions_expired_total",
		Help: "Sessions closed, by cause.",
	}, []string{"cause"})

	// SyncPushes counts snapshot push attempts by result.
	SyncPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_sync_pushes_total",
		Help: "Snapshot pushes to the cloud replica, by result.",
	}, []string{"status"})

	// SyncMerged counts rows re-merged after a snapshot import.
	SyncMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_sync_merged_total",
		Help: "Replica-only rows preserved across snapshot imports.",
	}, []string{"kind"})
)
