package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	// HistoryPoolConnections tracks history backend pool connections by backend and state
	HistoryPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "pool_connections",
			Help:      "History backend connection pool size by state",
		},
		[]string{"backend", "state"},
	)

	// HistoryQueryDuration tracks history backend call latency
	HistoryQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "query_duration_seconds",
			Help:      "History backend call latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// PoolStatsCollector samples connection pool statistics of SQL and Redis history backends.
type PoolStatsCollector struct {
	sqlDB       *sql.DB
	redisClient *redis.Client
	logger      *slog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewPoolStatsCollector creates a collector. Either source may be nil.
func NewPoolStatsCollector(sqlDB *sql.DB, redisClient *redis.Client, logger *slog.Logger) *PoolStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolStatsCollector{
		sqlDB:       sqlDB,
		redisClient: redisClient,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting statistics at regular intervals
func (c *PoolStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("History pool stats collector started", slog.Duration("interval", interval))
}

// Stop stops the collector. Safe to call more than once.
func (c *PoolStatsCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.logger.Info("History pool stats collector stopped")
	})
}

// collect gathers pool statistics and updates Prometheus metrics
func (c *PoolStatsCollector) collect() {
	if c.sqlDB != nil {
		stats := c.sqlDB.Stats()
		HistoryPoolConnections.WithLabelValues("postgres", "open").Set(float64(stats.OpenConnections))
		HistoryPoolConnections.WithLabelValues("postgres", "in_use").Set(float64(stats.InUse))
		HistoryPoolConnections.WithLabelValues("postgres", "idle").Set(float64(stats.Idle))
		HistoryPoolConnections.WithLabelValues("postgres", "max_open").Set(float64(stats.MaxOpenConnections))
	}

	if c.redisClient != nil {
		stats := c.redisClient.PoolStats()
		HistoryPoolConnections.WithLabelValues("redis", "open").Set(float64(stats.TotalConns))
		HistoryPoolConnections.WithLabelValues("redis", "idle").Set(float64(stats.IdleConns))
		HistoryPoolConnections.WithLabelValues("redis", "stale").Set(float64(stats.StaleConns))
	}
}

// RecordQueryDuration records the duration of a history backend call
func RecordQueryDuration(operation string, duration time.Duration) {
	HistoryQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery is a helper function to time history backend calls
// Usage: defer metrics.TimeQuery("get")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}

// PingBackend runs ping and records its latency
func PingBackend(ctx context.Context, ping func(context.Context) error) error {
	defer TimeQuery("ping")()
	return ping(ctx)
}
