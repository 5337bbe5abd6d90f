package paymentmetrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phochat/payments/internal/clock"
	"github.com/phochat/payments/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// latencyWindowSize bounds the detection-latency sample buffer so a
// long-lived process never grows it.
const latencyWindowSize = 256

// minSamplesForHealth is how many webhook deliveries we need before
// rate-based thresholds are meaningful.
const minSamplesForHealth = 10

// Collector keeps in-process counters for the payment pipeline. It is
// advisory only: losing its state on restart is fine, the ledger is the
// source of truth.
type Collector struct {
	mu     sync.Mutex
	clk    clock.Clock
	holder *config.ReconcileConfigHolder

	startedAt time.Time

	webhooksReceived  int64
	webhooksSucceeded int64
	webhooksFailed    int64
	paymentsDetected  int64
	errorsTotal       int64
	processingTotal   time.Duration

	latencies   []time.Duration
	latencyPos  int
	latencyFull bool

	lastDetectionAt time.Time
	lastErrorAt     time.Time
	lastError       string

	providers map[string]*providerStats
}

type providerStats struct {
	Received  int64
	Succeeded int64
	Failed    int64
	Detected  int64
	Errors    int64
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Holder *config.ReconcileConfigHolder
}

func NewCollector(p Params) *Collector {
	return &Collector{
		clk:       p.Clock,
		holder:    p.Holder,
		startedAt: p.Clock.Now().UTC(),
		latencies: make([]time.Duration, latencyWindowSize),
		providers: make(map[string]*providerStats),
	}
}

// RecordWebhookProcessing counts one physical webhook delivery.
func (c *Collector) RecordWebhookProcessing(provider string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.webhooksReceived++
	stats := c.provider(provider)
	stats.Received++
	if success {
		c.webhooksSucceeded++
		stats.Succeeded++
	} else {
		c.webhooksFailed++
		stats.Failed++
	}
	if duration > 0 {
		c.processingTotal += duration
	}
}

// RecordPaymentDetection records how long a payment sat between order
// creation and confirmation, whichever origin confirmed it.
func (c *Collector) RecordPaymentDetection(provider string, latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paymentsDetected++
	c.provider(provider).Detected++
	c.lastDetectionAt = c.clk.Now().UTC()

	c.latencies[c.latencyPos] = latency
	c.latencyPos++
	if c.latencyPos >= len(c.latencies) {
		c.latencyPos = 0
		c.latencyFull = true
	}
}

// RecordError counts a pipeline error (signature failures, ledger write
// failures, gateway outages).
func (c *Collector) RecordError(provider, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorsTotal++
	c.provider(provider).Errors++
	c.lastErrorAt = c.clk.Now().UTC()
	c.lastError = kind
}

func (c *Collector) provider(name string) *providerStats {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "unknown"
	}
	stats, ok := c.providers[name]
	if !ok {
		stats = &providerStats{}
		c.providers[name] = stats
	}
	return stats
}

// ProviderSnapshot is the per-provider slice of a Snapshot.
type ProviderSnapshot struct {
	Received  int64 `json:"received"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Detected  int64 `json:"detected"`
	Errors    int64 `json:"errors"`
}

type Snapshot struct {
	UptimeSeconds         int64                       `json:"uptime_seconds"`
	WebhooksReceived      int64                       `json:"webhooks_received"`
	WebhooksSucceeded     int64                       `json:"webhooks_succeeded"`
	WebhooksFailed        int64                       `json:"webhooks_failed"`
	WebhookSuccessRate    float64                     `json:"webhook_success_rate"`
	AvgProcessingMS       int64                       `json:"avg_processing_ms"`
	PaymentsDetected      int64                       `json:"payments_detected"`
	AvgDetectionLatencyMS int64                       `json:"avg_detection_latency_ms"`
	ErrorsTotal           int64                       `json:"errors_total"`
	ErrorRate             float64                     `json:"error_rate"`
	LastDetectionAt       *time.Time                  `json:"last_detection_at,omitempty"`
	LastError             string                      `json:"last_error,omitempty"`
	LastErrorAt           *time.Time                  `json:"last_error_at,omitempty"`
	Providers             map[string]ProviderSnapshot `json:"providers"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds:     int64(c.clk.Now().UTC().Sub(c.startedAt).Seconds()),
		WebhooksReceived:  c.webhooksReceived,
		WebhooksSucceeded: c.webhooksSucceeded,
		WebhooksFailed:    c.webhooksFailed,
		PaymentsDetected:  c.paymentsDetected,
		ErrorsTotal:       c.errorsTotal,
		LastError:         c.lastError,
		Providers:         make(map[string]ProviderSnapshot, len(c.providers)),
	}
	if c.webhooksReceived > 0 {
		snap.WebhookSuccessRate = float64(c.webhooksSucceeded) / float64(c.webhooksReceived) * 100
		snap.ErrorRate = float64(c.errorsTotal) / float64(c.webhooksReceived) * 100
		snap.AvgProcessingMS = (c.processingTotal / time.Duration(c.webhooksReceived)).Milliseconds()
	}
	snap.AvgDetectionLatencyMS = c.avgLatencyLocked().Milliseconds()
	if !c.lastDetectionAt.IsZero() {
		at := c.lastDetectionAt
		snap.LastDetectionAt = &at
	}
	if !c.lastErrorAt.IsZero() {
		at := c.lastErrorAt
		snap.LastErrorAt = &at
	}
	for name, stats := range c.providers {
		snap.Providers[name] = ProviderSnapshot{
			Received:  stats.Received,
			Succeeded: stats.Succeeded,
			Failed:    stats.Failed,
			Detected:  stats.Detected,
			Errors:    stats.Errors,
		}
	}
	return snap
}

func (c *Collector) avgLatencyLocked() time.Duration {
	n := c.latencyPos
	if c.latencyFull {
		n = len(c.latencies)
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += c.latencies[i]
	}
	return total / time.Duration(n)
}

// HealthStatus is the advisory verdict derived from a Snapshot and the
// configured thresholds.
type HealthStatus struct {
	Healthy  bool     `json:"healthy"`
	Warnings []string `json:"warnings,omitempty"`
	Alerts   []string `json:"alerts,omitempty"`
	Snapshot Snapshot `json:"snapshot"`
}

func (c *Collector) Health() HealthStatus {
	snap := c.Snapshot()
	thresholds := c.holder.Current().Health

	status := HealthStatus{Healthy: true, Snapshot: snap}

	if snap.WebhooksReceived >= minSamplesForHealth {
		switch {
		case snap.WebhookSuccessRate < thresholds.SuccessRateAlert:
			status.Alerts = append(status.Alerts,
				fmt.Sprintf("webhook success rate %.1f%% below %.1f%%", snap.WebhookSuccessRate, thresholds.SuccessRateAlert))
		case snap.WebhookSuccessRate < thresholds.SuccessRateWarn:
			status.Warnings = append(status.Warnings,
				fmt.Sprintf("webhook success rate %.1f%% below %.1f%%", snap.WebhookSuccessRate, thresholds.SuccessRateWarn))
		}
		switch {
		case snap.ErrorRate > thresholds.ErrorRateAlert:
			status.Alerts = append(status.Alerts,
				fmt.Sprintf("error rate %.1f%% above %.1f%%", snap.ErrorRate, thresholds.ErrorRateAlert))
		case snap.ErrorRate > thresholds.ErrorRateWarn:
			status.Warnings = append(status.Warnings,
				fmt.Sprintf("error rate %.1f%% above %.1f%%", snap.ErrorRate, thresholds.ErrorRateWarn))
		}
	}

	if snap.PaymentsDetected > 0 {
		avg := time.Duration(snap.AvgDetectionLatencyMS) * time.Millisecond
		switch {
		case avg > thresholds.LatencyAlert:
			status.Alerts = append(status.Alerts,
				fmt.Sprintf("avg detection latency %s above %s", avg, thresholds.LatencyAlert))
		case avg > thresholds.LatencyWarn:
			status.Warnings = append(status.Warnings,
				fmt.Sprintf("avg detection latency %s above %s", avg, thresholds.LatencyWarn))
		}
	}

	status.Healthy = len(status.Alerts) == 0
	return status
}
