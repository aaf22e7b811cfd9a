package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike     AlertType = "login_failure_spike"
	AlertRememberRejectedSpike AlertType = "remember_rejected_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow        = 1 * time.Minute
	defaultLoginFailureThreshold     = 50
	defaultRememberRejectedWindow    = 5 * time.Minute
	defaultRememberRejectedThreshold = 20
)

// slidingWindow counts occurrences within a trailing duration.
type slidingWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
	alert     AlertType
	message   string
}

// add records an occurrence at now and returns the count when the
// threshold is reached, resetting the window so a single spike alerts once.
func (sw *slidingWindow) add(now time.Time) (int, bool) {
	sw.events = append(sw.events, now)
	sw.events = trimWindow(sw.events, now, sw.window)
	if len(sw.events) < sw.threshold {
		return 0, false
	}
	n := len(sw.events)
	sw.events = sw.events[:0]
	return n, true
}

// metricsCollector watches audit events for spikes.
type metricsCollector struct {
	mu      sync.Mutex
	windows map[AuditEvent]*slidingWindow
	alertFn AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		windows: map[AuditEvent]*slidingWindow{
			AuditLoginFailure: {
				window:    defaultLoginFailureWindow,
				threshold: defaultLoginFailureThreshold,
				alert:     AlertLoginFailureSpike,
				message:   "login failure rate exceeds threshold",
			},
			AuditRememberRejected: {
				window:    defaultRememberRejectedWindow,
				threshold: defaultRememberRejectedThreshold,
				alert:     AlertRememberRejectedSpike,
				message:   "remember-me token rejection rate exceeds threshold",
			},
		},
		alertFn: alertFn,
	}
}

// recordEvent feeds an audit event into its window, if it has one.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	m.mu.Lock()
	sw, ok := m.windows[event]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	count, fire := sw.add(now)
	alert := AlertEvent{
		Type:      sw.alert,
		Message:   sw.message,
		Count:     count,
		Threshold: sw.threshold,
		Timestamp: now,
	}
	m.mu.Unlock()

	if fire {
		m.alertFn(alert)
	}
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
