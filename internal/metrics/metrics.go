package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	ActiveChatHubs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_hubs",
		Help: "Number of chats with at least one live subscriber",
	})
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_published_total",
		Help: "Total number of chat messages stored",
	})
	SubscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_subscriber_drops_total",
		Help: "Change events not delivered because a subscriber was lagging",
	})
	ModerationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_results_total",
		Help: "Moderation outcomes by result",
	}, []string{"result"})
	ModerationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_moderation_queue_depth",
		Help: "Messages waiting for analysis",
	})
	OracleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_oracle_duration_seconds",
		Help:    "Classifier oracle call duration in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		ActiveChatHubs,
		MessagesPublished,
		SubscriberDrops,
		ModerationResults,
		ModerationQueueDepth,
		OracleDuration,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
