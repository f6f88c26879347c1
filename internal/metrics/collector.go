// Package metrics exposes Prometheus metrics for the campaign engine.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aegis-shield/campaign-engine/internal/database"
)

// StatsSource is anything that can report point-in-time statistics
type StatsSource interface {
	GetStats() map[string]interface{}
}

// Collector registers Prometheus metrics and periodically refreshes the
// gauges from component statistics.
type Collector struct {
	logger *slog.Logger

	campaignRepo *database.CampaignRepository
	runner       StatsSource
	sequencer    StatsSource
	producer     StatsSource

	campaignsByStatus *prometheus.GaugeVec

	launchesTotal    *prometheus.CounterVec
	assignmentsTotal prometheus.Counter

	remindersSent   prometheus.Gauge
	tasksExecuted   prometheus.Gauge
	tasksFailed     prometheus.Gauge
	eventsPublished prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	mu                 sync.RWMutex
	lastCollectionTime time.Time
	collectionInterval time.Duration
}

// NewCollector creates a metrics collector
func NewCollector(
	logger *slog.Logger,
	campaignRepo *database.CampaignRepository,
	runner StatsSource,
	sequencer StatsSource,
	producer StatsSource,
) *Collector {
	return &Collector{
		logger:             logger,
		campaignRepo:       campaignRepo,
		runner:             runner,
		sequencer:          sequencer,
		producer:           producer,
		collectionInterval: 30 * time.Second,
	}
}

// RegisterMetrics registers all Prometheus metrics
func (c *Collector) RegisterMetrics() {
	c.campaignsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_engine_campaigns",
			Help: "Number of campaigns per status",
		},
		[]string{"status"},
	)

	c.launchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_engine_launches_total",
			Help: "Total number of campaign and wave launches",
		},
		[]string{"mode"},
	)

	c.assignmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_engine_assignments_created_total",
			Help: "Total number of assignments created",
		},
	)

	c.remindersSent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaign_engine_reminders_sent",
			Help: "Reminder notifications fired since start",
		},
	)

	c.tasksExecuted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaign_engine_tasks_executed",
			Help: "Deferred launch tasks executed since start",
		},
	)

	c.tasksFailed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaign_engine_tasks_failed",
			Help: "Deferred launch tasks permanently failed since start",
		},
	)

	c.eventsPublished = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaign_engine_events_published",
			Help: "Events published to the broker since start",
		},
	)

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "campaign_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
}

// Start begins the periodic gauge refresh. Blocks until ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector")

	c.RegisterMetrics()

	ticker := time.NewTicker(c.collectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return ctx.Err()
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	c.mu.Lock()
	c.lastCollectionTime = time.Now()
	c.mu.Unlock()

	if c.campaignRepo != nil {
		counts, err := c.campaignRepo.CountByStatus(ctx)
		if err != nil {
			c.logger.Error("Failed to collect campaign counts", "error", err)
		} else {
			for _, status := range []string{
				database.CampaignStatusDraft,
				database.CampaignStatusScheduled,
				database.CampaignStatusActive,
				database.CampaignStatusPaused,
				database.CampaignStatusCompleted,
				database.CampaignStatusCancelled,
			} {
				c.campaignsByStatus.WithLabelValues(status).Set(float64(counts[status]))
			}
		}
	}

	if c.runner != nil {
		stats := c.runner.GetStats()
		setGaugeFromStat(c.tasksExecuted, stats["tasks_executed"])
		setGaugeFromStat(c.tasksFailed, stats["tasks_failed"])
	}

	if c.sequencer != nil {
		setGaugeFromStat(c.remindersSent, c.sequencer.GetStats()["reminders_sent"])
	}

	if c.producer != nil {
		setGaugeFromStat(c.eventsPublished, c.producer.GetStats()["messages_published"])
	}
}

func setGaugeFromStat(gauge prometheus.Gauge, value interface{}) {
	switch v := value.(type) {
	case int64:
		gauge.Set(float64(v))
	case int:
		gauge.Set(float64(v))
	case float64:
		gauge.Set(v)
	}
}

// RecordLaunch records a campaign or wave launch
func (c *Collector) RecordLaunch(mode string, assignments int) {
	c.launchesTotal.WithLabelValues(mode).Inc()
	c.assignmentsTotal.Add(float64(assignments))
}

// RecordHTTPRequest records an HTTP request
func (c *Collector) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// GetStats returns collector state for the status endpoint
func (c *Collector) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"last_collection_time": c.lastCollectionTime,
		"collection_interval":  c.collectionInterval.String(),
	}
}
