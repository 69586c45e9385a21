// Package metrics provides Prometheus metrics for nusbot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Hub metrics
	hubConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusbot_hub_connects_total",
			Help: "Total number of hub connection attempts",
		},
		[]string{"status"},
	)

	hubConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nusbot_hub_connected",
			Help: "1 while the hub session is in the connected state",
		},
	)

	hubUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nusbot_hub_users",
			Help: "Number of users known on the hub",
		},
	)

	// Fetch metrics
	fetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusbot_fetch_requests_total",
			Help: "Total number of filelist fetch requests",
		},
		[]string{"mode"},
	)

	fetchResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusbot_fetch_results_total",
			Help: "Total number of finished filelist fetches by result",
		},
		[]string{"result"},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nusbot_fetch_duration_seconds",
			Help:    "Time from peer connection to complete filelist",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	fetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nusbot_fetch_bytes_total",
			Help: "Total filelist bytes received from peers",
		},
	)

	fetchPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nusbot_fetch_pending",
			Help: "Number of outstanding connection invitations",
		},
	)

	// Diff metrics
	diffEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusbot_diff_entries_total",
			Help: "Total number of added or removed entries announced",
		},
		[]string{"kind"},
	)

	// Chat metrics
	chatCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nusbot_chat_commands_total",
			Help: "Total number of chat commands handled",
		},
		[]string{"command"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHubConnect records a hub dial attempt.
func RecordHubConnect(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	hubConnectsTotal.WithLabelValues(status).Inc()
}

func SetHubConnected(connected bool) {
	if connected {
		hubConnected.Set(1)
		return
	}
	hubConnected.Set(0)
}

func SetHubUsers(count int) {
	hubUsers.Set(float64(count))
}

// RecordFetchRequest records an issued invitation, by connect mode.
func RecordFetchRequest(mode string) {
	fetchRequestsTotal.WithLabelValues(mode).Inc()
}

// RecordFetchResult records the outcome of a peer session. result is one of
// "success", "error" or "timeout".
func RecordFetchResult(result string, bytes int64, duration time.Duration) {
	fetchResultsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		fetchBytesTotal.Add(float64(bytes))
	}
	if duration > 0 {
		fetchDuration.Observe(duration.Seconds())
	}
}

func SetFetchPending(count int) {
	fetchPending.Set(float64(count))
}

func RecordDiff(removed, added int) {
	diffEntriesTotal.WithLabelValues("removed").Add(float64(removed))
	diffEntriesTotal.WithLabelValues("added").Add(float64(added))
}

func RecordChatCommand(command string) {
	chatCommandsTotal.WithLabelValues(command).Inc()
}
