package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/config"
)

// Providers 持有一个 Agent 进程的 Tracer/Meter Provider。
// 遥测禁用时两者为 nil，全局 Provider 保持 noop。
type Providers struct {
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	sampler *ratioSampler
}

// Init 按配置启动 OTLP 导出。
// 端点为 https:// URL 时走 TLS，http:// 或 host:port 时走明文 gRPC。
func Init(cfg config.TelemetryConfig, agent config.AgentConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	ctx := context.Background()
	res, err := agentResource(ctx, cfg.ServiceName, agent)
	if err != nil {
		return nil, err
	}

	spans, err := otlptracegrpc.New(ctx, traceEndpoint(cfg.OTLPEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricEndpoint(cfg.OTLPEndpoint)...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p := &Providers{sampler: newRatioSampler(cfg.SampleRate)}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(p.sampler)),
	)
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("telemetry started",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("agent_id", agent.ID),
		zap.Float64("sample_rate", p.sampler.ratio()),
	)
	return p, nil
}

// agentResource 把 Agent 身份写入资源属性，用于区分不同 holon 的 span。
func agentResource(ctx context.Context, service string, agent config.AgentConfig) (*resource.Resource, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(service),
		semconv.ServiceVersionKey.String(buildVersion()),
		semconv.ServiceInstanceIDKey.String(agent.ID),
		attribute.String("holonflow.role", agent.Role),
		attribute.String("holonflow.namespace", agent.Namespace),
		attribute.String("holonflow.station", agent.Station),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func isEndpointURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://")
}

func traceEndpoint(endpoint string) []otlptracegrpc.Option {
	if isEndpointURL(endpoint) {
		return []otlptracegrpc.Option{otlptracegrpc.WithEndpointURL(endpoint)}
	}
	return []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure()}
}

func metricEndpoint(endpoint string) []otlpmetricgrpc.Option {
	if isEndpointURL(endpoint) {
		return []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpointURL(endpoint)}
	}
	return []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure()}
}

// SetSampleRate 热更新根 span 采样率，禁用时为空操作。
func (p *Providers) SetSampleRate(rate float64) {
	if p == nil || p.sampler == nil {
		return
	}
	p.sampler.set(rate)
}

// Shutdown 刷出剩余数据并关闭导出器，对 nil 或 noop Providers 安全。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ratioSampler 包装可替换的 TraceIDRatioBased 采样器。
type ratioSampler struct {
	bits  atomic.Uint64
	inner atomic.Pointer[sdktrace.Sampler]
}

func newRatioSampler(rate float64) *ratioSampler {
	s := &ratioSampler{}
	s.set(rate)
	return s
}

func (s *ratioSampler) set(rate float64) {
	rate = math.Max(0, math.Min(1, rate))
	next := sdktrace.TraceIDRatioBased(rate)
	s.bits.Store(math.Float64bits(rate))
	s.inner.Store(&next)
}

func (s *ratioSampler) ratio() float64 {
	return math.Float64frombits(s.bits.Load())
}

func (s *ratioSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	return (*s.inner.Load()).ShouldSample(p)
}

func (s *ratioSampler) Description() string {
	return fmt.Sprintf("HolonFlowRatio{%g}", s.ratio())
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
