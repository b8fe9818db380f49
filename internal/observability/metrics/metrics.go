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

// Metrics exposes application-level instruments for the credit engine.
type Metrics struct {
	creditsAllocated metric.Int64Counter
	creditsDeducted  metric.Int64Counter
	usageRecorded    metric.Int64Counter
	rolloutUpgrades  metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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
		name = "quillbill"
	}
	meter := provider.Meter(name)

	creditsAllocated, err := meter.Int64Counter("quillbill.credits.allocated",
		metric.WithDescription("Credits granted to user balances, by source."))
	if err != nil {
		return nil, err
	}
	creditsDeducted, err := meter.Int64Counter("quillbill.credits.deducted",
		metric.WithDescription("Credits deducted from user balances."))
	if err != nil {
		return nil, err
	}
	usageRecorded, err := meter.Int64Counter("quillbill.usage.recorded",
		metric.WithDescription("Token usage ledger entries written, by provider."))
	if err != nil {
		return nil, err
	}
	rolloutUpgrades, err := meter.Int64Counter("quillbill.tier.rollout_upgrades",
		metric.WithDescription("Per-user credit upgrades applied by tier rollouts."))
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("quillbill.ratelimit.allowed",
		metric.WithDescription("Usage recording requests allowed by the rate limiter."))
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("quillbill.ratelimit.denied",
		metric.WithDescription("Usage recording requests denied by the rate limiter."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditsAllocated: creditsAllocated,
		creditsDeducted:  creditsDeducted,
		usageRecorded:    usageRecorded,
		rolloutUpgrades:  rolloutUpgrades,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordAllocation increments the allocated-credits counter.
func (m *Metrics) RecordAllocation(ctx context.Context, source string, credits int64) {
	if m == nil || m.creditsAllocated == nil {
		return
	}
	m.creditsAllocated.Add(ctx, credits, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDeduction increments the deducted-credits counter.
func (m *Metrics) RecordDeduction(ctx context.Context, credits int64) {
	if m == nil || m.creditsDeducted == nil {
		return
	}
	m.creditsDeducted.Add(ctx, credits)
}

// RecordUsage increments the usage ledger counter.
func (m *Metrics) RecordUsage(ctx context.Context, provider string) {
	if m == nil || m.usageRecorded == nil {
		return
	}
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordRolloutUpgrades counts per-user upgrades applied during a rollout.
func (m *Metrics) RecordRolloutUpgrades(ctx context.Context, tier string, users int64) {
	if m == nil || m.rolloutUpgrades == nil {
		return
	}
	m.rolloutUpgrades.Add(ctx, users, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordRateLimit counts limiter decisions.
func (m *Metrics) RecordRateLimit(ctx context.Context, allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		if m.rateLimitAllowed != nil {
			m.rateLimitAllowed.Add(ctx, 1)
		}
		return
	}
	if m.rateLimitDenied != nil {
		m.rateLimitDenied.Add(ctx, 1)
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported metrics exporter protocol %q", protocol)
	}
}
