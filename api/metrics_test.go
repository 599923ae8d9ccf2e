package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustgate/verdict"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) snapshot() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestRejectionSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordRejection(verdict.InvalidKey)
	}
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	collector.recordRejection(verdict.InvalidKey)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRejectionSpike, alerts[0].Type)
	assert.Equal(t, verdict.InvalidKey, alerts[0].Reason)
	assert.Equal(t, 5, alerts[0].Count)
}

func TestReplaySpikeUsesLowerThreshold(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.replayThreshold = 2

	collector.recordRejection(verdict.AlreadyProcessed)
	collector.recordRejection(verdict.AlreadyProcessed)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReplaySpike, alerts[0].Type)
}

func TestRejectionsCountedPerReason(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.threshold = 3

	collector.recordRejection(verdict.InvalidKey)
	collector.recordRejection(verdict.Expired)
	collector.recordRejection(verdict.InvalidKey)
	collector.recordRejection(verdict.Revoked)
	assert.Empty(t, rec.snapshot())
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordRejection(verdict.InvalidKey)

	var nilCollector *metricsCollector
	nilCollector.recordRejection(verdict.InvalidKey)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	now := time.Unix(1_700_000_000, 0)
	collector.now = func() time.Time { return now }
	collector.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordRejection(verdict.InvalidSignature)
	}
	now = now.Add(collector.window + time.Second)

	collector.recordRejection(verdict.InvalidSignature)
	assert.Empty(t, rec.snapshot(), "old rejections should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordRejection(verdict.RateLimited)
	}
	require.Len(t, rec.snapshot(), 1, "first alert triggered")

	for i := 0; i < 2; i++ {
		collector.recordRejection(verdict.RateLimited)
	}
	assert.Len(t, rec.snapshot(), 1, "no second alert yet")

	collector.recordRejection(verdict.RateLimited)
	assert.Len(t, rec.snapshot(), 2, "second alert triggered")
}
