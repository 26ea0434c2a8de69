package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/common/models"
	"github.com/splatforge/platform/pkg/jobs"
)

const SourceReconstruction = "reconstruction-service"

type Producer struct {
	writer *kafka.Writer
	source string
}

func NewProducer(brokers []string, topic, source string) *Producer {
	// one key per job keeps a job's events on one partition, in order
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer, source: source}
}

func (p *Producer) PublishEvent(ctx context.Context, eventType, key string, data map[string]interface{}) error {
	event := newEvent(eventType, p.source, data)
	if key == "" {
		key = event.ID
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source", Value: []byte(p.source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": eventType,
		}).Error("Failed to publish event")
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": eventType,
		"topic":      p.writer.Topic,
	}).Debug("Event published")

	return nil
}

// PublishJobStatus announces one persisted job version.
func (p *Producer) PublishJobStatus(ctx context.Context, job *jobs.Job) error {
	return p.PublishEvent(ctx, models.EventJobStatus, job.ID, JobStatusData(job))
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func newEvent(eventType, source string, data map[string]interface{}) models.Event {
	return models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// JobStatusData is the client-safe payload of a job.status event. Operator
// detail such as the stderr tail is left out.
func JobStatusData(job *jobs.Job) map[string]interface{} {
	data := map[string]interface{}{
		"job_id":         job.ID,
		"status":         string(job.Status),
		"progress":       job.Progress,
		"quality_preset": string(job.Preset),
		"version":        job.Version,
		"updated_at":     job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.ErrorMessage != "" {
		data["error_message"] = job.ErrorMessage
		data["error_kind"] = string(job.ErrorKind)
	}
	return data
}
