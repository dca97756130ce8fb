// Package intake consumes notification requests published by other services
// and hands them to the dispatcher.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mewayz/fabric/internal/notify"
	"github.com/mewayz/fabric/internal/observability"
	"github.com/mewayz/fabric/pkg/models"
)

// Dispatcher is the part of notify.Dispatcher the consumer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.NotificationRequest) (*notify.Result, error)
	BulkDispatch(ctx context.Context, reqs []models.NotificationRequest) *notify.BulkResult
}

// Reader is the subset of *kafka.Reader used by the consumer.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used for dead letters.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the topic and consumer group.
type Config struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
}

// Consumer reads requests from a topic. A message is committed once it has
// been dispatched or dead-lettered; delivery across restarts is at most once
// per committed offset.
type Consumer struct {
	reader     Reader
	deadLetter Writer
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	topic      string
}

// NewConsumer connects a kafka-go reader, and a writer when a dead-letter
// topic is configured.
func NewConsumer(cfg Config, dispatcher Dispatcher, logger *slog.Logger, metrics *observability.Metrics) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("intake: at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" || strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("intake: topic and group id are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: 10e6,
	})
	var writer Writer
	if cfg.DeadLetterTopic != "" {
		writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	return newConsumer(reader, writer, dispatcher, cfg.Topic, logger, metrics), nil
}

func newConsumer(reader Reader, deadLetter Writer, dispatcher Dispatcher, topic string, logger *slog.Logger, metrics *observability.Metrics) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:     reader,
		deadLetter: deadLetter,
		dispatcher: dispatcher,
		logger:     logger.With("component", "intake", "topic", topic),
		metrics:    metrics,
		topic:      topic,
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and
// the reader's error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("intake consumer started")
	defer c.logger.Info("intake consumer stopped")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("intake fetch: %w", err)
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("intake commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	payload := bytes.TrimSpace(msg.Value)
	if len(payload) > 0 && payload[0] == '[' {
		var reqs []models.NotificationRequest
		if err := json.Unmarshal(payload, &reqs); err != nil {
			c.reject(ctx, msg, "invalid", err)
			return
		}
		result := c.dispatcher.BulkDispatch(ctx, reqs)
		c.metrics.IntakeMessage("dispatched")
		c.logger.Info("intake bulk dispatched",
			"offset", msg.Offset,
			"total", result.Total,
			"successful", result.Successful,
			"failed", result.Failed,
		)
		return
	}

	var req models.NotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.reject(ctx, msg, "invalid", err)
		return
	}
	if _, err := c.dispatcher.Dispatch(ctx, req); err != nil {
		var verr *notify.ValidationError
		switch {
		case errors.As(err, &verr), errors.Is(err, notify.ErrUserNotFound):
			c.reject(ctx, msg, "invalid", err)
		default:
			c.metrics.IntakeMessage("failed")
			c.logger.Warn("intake dispatch failed", "offset", msg.Offset, "user_id", req.TargetUserID, "error", err)
		}
		return
	}
	c.metrics.IntakeMessage("dispatched")
}

// reject records a message that can never be dispatched and forwards it to
// the dead-letter topic when one is configured.
func (c *Consumer) reject(ctx context.Context, msg kafka.Message, result string, cause error) {
	c.metrics.IntakeMessage(result)
	c.logger.Warn("intake message rejected", "partition", msg.Partition, "offset", msg.Offset, "error", cause)
	if c.deadLetter == nil {
		return
	}
	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now().UTC(),
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
			kafka.Header{Key: "x-source-topic", Value: []byte(c.topic)},
		),
	}
	if err := c.deadLetter.WriteMessages(ctx, dead); err != nil {
		c.logger.Error("dead letter write failed", "offset", msg.Offset, "error", err)
		return
	}
	c.metrics.IntakeMessage("dead_lettered")
}

// Close releases the reader and the dead-letter writer.
func (c *Consumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.deadLetter != nil {
		if err := c.deadLetter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
