// Package event publishes the engine's lifecycle events to Kafka. Delivery
// of the resulting notifications (mail, push) belongs to downstream
// consumers; the engine only announces that something is due.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/aegis-shield/campaign-engine/internal/config"
)

// Event types emitted by the engine
const (
	TypeCampaignLaunched = "campaign.launched"
	TypeWaveLaunched     = "campaign.wave.launched"
	TypeReminderDue      = "campaign.reminder.due"
	TypeLaunchFailed     = "campaign.launch.failed"
)

// Message is the envelope written to the event topic
type Message struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	OrgID      string                 `json:"org_id"`
	CampaignID string                 `json:"campaign_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Producer writes engine events to Kafka
type Producer struct {
	config       *config.Config
	logger       *slog.Logger
	writer       *kafka.Writer
	messageCount int64
	errorCount   int64
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg *config.Config, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: time.Duration(cfg.Kafka.BatchTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Kafka.WriteTimeoutMs) * time.Millisecond,
		RequiredAcks: kafka.RequiredAcks(cfg.Kafka.RequiredAcks),
		Async:        cfg.Kafka.Async,
		Compression:  kafka.Snappy,
	}

	return &Producer{
		config: cfg,
		logger: logger,
		writer: writer,
	}
}

// Close flushes and closes the underlying writer
func (p *Producer) Close() {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			p.logger.Error("Failed to close Kafka writer", "error", err)
		}
	}
}

// Publish writes one event, keyed by campaign ID so a campaign's events
// stay ordered within a partition. Publishing is fire-and-forget from the
// caller's perspective: a failed publish is logged and counted, never
// propagated into the scheduling path.
func (p *Producer) Publish(ctx context.Context, eventType, orgID, campaignID string, data map[string]interface{}) {
	msg := Message{
		ID:         uuid.New().String(),
		Type:       eventType,
		OrgID:      orgID,
		CampaignID: campaignID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}

	value, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal event", "type", eventType, "error", err)
		return
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(campaignID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "org_id", Value: []byte(orgID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		p.errorCount++
		p.logger.Error("Failed to publish event",
			"type", eventType,
			"campaign_id", campaignID,
			"error", err)
		return
	}

	p.messageCount++
	p.logger.Debug("Event published",
		"type", eventType,
		"campaign_id", campaignID)
}

// GetStats returns producer statistics for the status endpoint
func (p *Producer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"messages_published": p.messageCount,
		"errors":             p.errorCount,
		"topic":              p.config.Kafka.Topic,
	}
}

// NopPublisher drops all events. Used when Kafka is disabled in config and
// in tests.
type NopPublisher struct{}

// Publish implements the publisher contract with no effect
func (NopPublisher) Publish(context.Context, string, string, string, map[string]interface{}) {}

// GetStats reports the sink as disabled
func (NopPublisher) GetStats() map[string]interface{} {
	return map[string]interface{}{"enabled": false}
}
