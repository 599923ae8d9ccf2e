package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/trustgate/verdict"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertRejectionSpike AlertType = "rejection_spike"
	AlertReplaySpike    AlertType = "replay_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType      `json:"type"`
	Reason    verdict.Reason `json:"reason"`
	Message   string         `json:"message"`
	Count     int            `json:"count"`
	Threshold int            `json:"threshold"`
	Timestamp time.Time      `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector keeps a sliding window of rejections per reason.
type metricsCollector struct {
	mu sync.Mutex

	rejections map[verdict.Reason][]time.Time
	window     time.Duration
	threshold  int
	// replayThreshold is lower: a burst of replays is rarely benign.
	replayThreshold int

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultRejectionWindow    = 1 * time.Minute
	defaultRejectionThreshold = 50
	defaultReplayThreshold    = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		rejections:      make(map[verdict.Reason][]time.Time),
		window:          defaultRejectionWindow,
		threshold:       defaultRejectionThreshold,
		replayThreshold: defaultReplayThreshold,
		alertFn:         alertFn,
		now:             time.Now,
	}
}

// recordRejection counts one rejection and alerts once a reason crosses its
// threshold within the window.
func (m *metricsCollector) recordRejection(reason verdict.Reason) {
	if m == nil || m.alertFn == nil || reason == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	times := trimWindow(append(m.rejections[reason], now), now, m.window)

	alertType, threshold := AlertRejectionSpike, m.threshold
	if reason == verdict.AlreadyProcessed {
		alertType, threshold = AlertReplaySpike, m.replayThreshold
	}
	if len(times) >= threshold {
		m.alertFn(AlertEvent{
			Type:      alertType,
			Reason:    reason,
			Message:   fmt.Sprintf("%s rejections exceed threshold", reason),
			Count:     len(times),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		times = times[:0]
	}
	m.rejections[reason] = times
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
