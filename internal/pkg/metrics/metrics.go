package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus 指标集合。
//
// 指标在 InitMetrics 中注册，启动时调用一次即可；重复调用是安全的。
var (
	// MonitorPassesTotal 巡检轮次计数（按结果分类: success / failed / skipped）。
	MonitorPassesTotal *prometheus.CounterVec

	// MonitorPassDuration 单轮巡检耗时分布。
	MonitorPassDuration prometheus.Histogram

	// ItemsCheckedTotal 单品检查计数（按结果分类: success / no_price / failed）。
	ItemsCheckedTotal *prometheus.CounterVec

	// AlertsCreatedTotal 告警创建计数（按类型分类: price_drop / similar_item）。
	AlertsCreatedTotal *prometheus.CounterVec

	// ScrapeRequestsTotal 页面抓取计数（按结果分类: success / failed）。
	ScrapeRequestsTotal *prometheus.CounterVec

	// EmbeddingCacheTotal 向量缓存命中统计（hit / miss）。
	EmbeddingCacheTotal *prometheus.CounterVec

	// EmbeddingRequestsTotal 向量接口调用计数（按结果分类）。
	EmbeddingRequestsTotal *prometheus.CounterVec

	// NotifyDispatchTotal 告警批量派发计数（按结果分类）。
	NotifyDispatchTotal *prometheus.CounterVec

	// RateLimitWaitDuration 限流等待耗时分布。
	RateLimitWaitDuration prometheus.Histogram

	// RateLimitTimeoutTotal 限流等待被取消的次数。
	RateLimitTimeoutTotal prometheus.Counter
)

var initOnce sync.Once

// InitMetrics 注册所有 Prometheus 指标。
func InitMetrics() {
	initOnce.Do(func() {
		MonitorPassesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetracker_monitor_passes_total",
			Help: "Total monitoring passes by outcome.",
		}, []string{"status"})

		MonitorPassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricetracker_monitor_pass_duration_seconds",
			Help:    "Duration of a full monitoring pass.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		})

		ItemsCheckedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetracker_items_checked_total",
			Help: "Per-item check outcomes within monitoring passes.",
		}, []string{"status"})

		AlertsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetracker_alerts_created_total",
			Help: "Alerts created by kind.",
		}, []string{"kind"})

		ScrapeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetracker_scrape_requests_total",
			Help: "Product page fetches by outcome.",
		}, []string{"status"})

		EmbeddingCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetracker_embedding_cache_total",
			Help: "Embedding cache lookups by result.",
		}, []string{"result"})

		EmbeddingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetracker_embedding_requests_total",
			Help: "Embedding provider calls by outcome.",
		}, []string{"status"})

		NotifyDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetracker_notify_dispatch_total",
			Help: "Batched alert dispatches by outcome.",
		}, []string{"status"})

		RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricetracker_ratelimit_wait_seconds",
			Help:    "Time spent waiting on the embedding API rate limiter.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		})

		RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricetracker_ratelimit_timeout_total",
			Help: "Rate limiter waits aborted by context cancellation.",
		})

		prometheus.MustRegister(
			MonitorPassesTotal,
			MonitorPassDuration,
			ItemsCheckedTotal,
			AlertsCreatedTotal,
			ScrapeRequestsTotal,
			EmbeddingCacheTotal,
			EmbeddingRequestsTotal,
			NotifyDispatchTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
		)
	})
}
