package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/medofficehq/automation/pkg/common/config"
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

const fetchBackoff = time.Second

type Consumer struct {
	reader *kafka.Reader
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(cfg *config.Config, topic string, groupID string) *Consumer {
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader}
}

// decodeMessage returns false for payloads that can never be handled.
func decodeMessage(message kafka.Message) (models.Event, bool) {
	var event models.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal event")
		return event, false
	}
	return event, true
}

func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return ctx.Err()
				}
				logger.Log.WithError(err).Error("Failed to fetch message")
				time.Sleep(fetchBackoff)
				continue
			}

			event, ok := decodeMessage(message)
			if !ok {
				c.reader.CommitMessages(ctx, message)
				continue
			}

			if err := handler(ctx, event); err != nil {
				logger.Log.WithError(err).WithFields(map[string]interface{}{
					"event_id":   event.ID,
					"event_type": event.Type,
				}).Error("Failed to process event")
				// Don't commit on error, will retry
				continue
			}

			if err := c.reader.CommitMessages(ctx, message); err != nil {
				logger.Log.WithError(err).Error("Failed to commit message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
