// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 协商指标
	negotiationsTotal   *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec
	cfpsSent            *prometheus.CounterVec
	responsesTotal      *prometheus.CounterVec
	transportLegs       *prometheus.CounterVec

	// 匹配指标
	matchesTotal *prometheus.CounterVec

	// 注册表指标
	registryProviders prometheus.Gauge
	registryEvents    *prometheus.CounterVec

	// 嵌入向量与缓存指标
	embeddingLookups *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建注册到默认 Registry 的指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 创建注册到指定 Registerer 的指标收集器
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 协商指标
	c.negotiationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Total number of negotiations by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	c.negotiationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Negotiation duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"role"},
	)

	c.cfpsSent = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cfps_sent_total",
			Help:      "Total number of calls for proposal sent",
		},
		[]string{"capability"},
	)

	c.responsesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total number of negotiation responses received by performative",
		},
		[]string{"performative"},
	)

	c.transportLegs = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_legs_total",
			Help:      "Total number of transport legs negotiated by placement and outcome",
		},
		[]string{"placement", "outcome"},
	)

	// 匹配指标
	c.matchesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "property_matches_total",
			Help:      "Total number of property match outcomes by method and code",
		},
		[]string{"method", "code"},
	)

	// 注册表指标
	c.registryProviders = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_providers",
			Help:      "Number of providers currently known to the capability registry",
		},
	)

	c.registryEvents = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_events_total",
			Help:      "Total number of capability registry events by type",
		},
		[]string{"type"},
	)

	// 嵌入向量与缓存指标
	c.embeddingLookups = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_lookups_total",
			Help:      "Total number of embedding lookups by cache result",
		},
		[]string{"cache"},
	)

	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🤝 协商指标记录
// =============================================================================

// RecordNegotiation 记录一次协商及其耗时
func (c *Collector) RecordNegotiation(role, outcome string, duration time.Duration) {
	c.negotiationsTotal.WithLabelValues(role, outcome).Inc()
	c.negotiationDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordCFPSent 记录发出的 CFP
func (c *Collector) RecordCFPSent(capabilityName string) {
	c.cfpsSent.WithLabelValues(capabilityName).Inc()
}

// RecordResponse 记录收到的协商响应
func (c *Collector) RecordResponse(performative string) {
	c.responsesTotal.WithLabelValues(performative).Inc()
}

// RecordTransportLeg 记录一次运输协商
func (c *Collector) RecordTransportLeg(placement, outcome string) {
	c.transportLegs.WithLabelValues(placement, outcome).Inc()
}

// =============================================================================
// 🔍 匹配指标记录
// =============================================================================

// RecordMatch 记录属性匹配结果; code 为空表示匹配成功.
func (c *Collector) RecordMatch(method, code string) {
	if code == "" {
		code = "ok"
	}
	c.matchesTotal.WithLabelValues(method, code).Inc()
}

// RecordEmbeddingLookup 记录嵌入向量查询
func (c *Collector) RecordEmbeddingLookup(cacheHit bool) {
	if cacheHit {
		c.embeddingLookups.WithLabelValues("hit").Inc()
		c.cacheHits.WithLabelValues("embedding").Inc()
		return
	}
	c.embeddingLookups.WithLabelValues("miss").Inc()
	c.cacheMisses.WithLabelValues("embedding").Inc()
}

// =============================================================================
// 📇 注册表指标记录
// =============================================================================

// SetRegistryProviders 设置当前提供者数量
func (c *Collector) SetRegistryProviders(n int) {
	c.registryProviders.Set(float64(n))
}

// RecordRegistryEvent 记录注册表事件
func (c *Collector) RecordRegistryEvent(eventType string) {
	c.registryEvents.WithLabelValues(eventType).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归类
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

