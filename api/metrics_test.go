package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) record(e AlertEvent) {
	s.mu.Lock()
	s.alerts = append(s.alerts, e)
	s.mu.Unlock()
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.windows[AuditLoginFailure].threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestRememberRejectedSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.windows[AuditRememberRejected].threshold = 3

	collector.recordEvent(AuditRememberRejected)
	collector.recordEvent(AuditRememberRejected)
	assert.Empty(t, sink.snapshot())

	collector.recordEvent(AuditRememberRejected)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRememberRejectedSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
}

func TestMetricsIgnoresUnwatchedEvents(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	for i := 0; i < 200; i++ {
		collector.recordEvent(AuditLoginSuccess)
	}
	assert.Empty(t, sink.snapshot())
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.windows[AuditLoginFailure].threshold = 5
	collector.windows[AuditLoginFailure].window = 100 * time.Millisecond

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}

	time.Sleep(150 * time.Millisecond)

	// Old failures slid out of the window.
	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, sink.snapshot(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.record)
	collector.windows[AuditLoginFailure].threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	require.Len(t, sink.snapshot(), 1, "first alert triggered")

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, sink.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, sink.snapshot(), 2, "second alert triggered")
}

func TestAuditFeedsMetrics(t *testing.T) {
	sink := &alertSink{}
	a := newTestAPI(t, WithAlertFunc(sink.record))
	a.metrics.windows[AuditLoginFailure].threshold = 2

	r := newFormRequest("/auth/login", map[string]string{"username": "ghost", "password": "Wrong1!aa"})
	a.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
	a.audit.logFailure(AuditLoginFailure, r, "invalid credentials")

	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
}
