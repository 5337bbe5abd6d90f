package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhooksIngested  metric.Int64Counter
	reconcileOutcomes metric.Int64Counter
	walletSyncs       metric.Int64Counter
	checkoutOrders    metric.Int64Counter
	pollSweeps        metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "phopay"
	}
	meter := provider.Meter(name)

	webhooksIngested, err := meter.Int64Counter("phopay_webhooks_ingested_total")
	if err != nil {
		return nil, err
	}
	reconcileOutcomes, err := meter.Int64Counter("phopay_reconcile_outcomes_total")
	if err != nil {
		return nil, err
	}
	walletSyncs, err := meter.Int64Counter("phopay_wallet_syncs_total")
	if err != nil {
		return nil, err
	}
	checkoutOrders, err := meter.Int64Counter("phopay_checkout_orders_total")
	if err != nil {
		return nil, err
	}
	pollSweeps, err := meter.Int64Counter("phopay_poll_sweeps_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhooksIngested:  webhooksIngested,
		reconcileOutcomes: reconcileOutcomes,
		walletSyncs:       walletSyncs,
		checkoutOrders:    checkoutOrders,
		pollSweeps:        pollSweeps,
	}, nil
}

// RecordWebhookIngested increments webhook ingest counts.
func (m *Metrics) RecordWebhookIngested(ctx context.Context, provider, eventType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.webhooksIngested.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileOutcome increments reconciliation outcome counts.
func (m *Metrics) RecordReconcileOutcome(ctx context.Context, provider, origin, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("origin", strings.TrimSpace(origin)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reconcileOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWalletSync increments wallet synchronization counts.
func (m *Metrics) RecordWalletSync(ctx context.Context, tierCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tier_code", strings.TrimSpace(tierCode)))
	m.walletSyncs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCheckoutOrder increments checkout order creation counts.
func (m *Metrics) RecordCheckoutOrder(ctx context.Context, provider, planID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("plan_id", strings.TrimSpace(planID)),
	)
	m.checkoutOrders.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPollSweep increments polling sweep counts.
func (m *Metrics) RecordPollSweep(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.pollSweeps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"origin":      {},
	"status":      {},
	"status_code": {},
	"endpoint":    {},
	"tier_code":   {},
	"plan_id":     {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
