package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"pricewatch/internal/config"
	"pricewatch/internal/metrics"
)

// BatchHandler consumes one decoded batch.
type BatchHandler func(ctx context.Context, batch Batch) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads observation batches from a consumer group. Each message
// value is one batch in any format Decode accepts.
type KafkaSource struct {
	reader messageReader
	logger zerolog.Logger
	now    func() time.Time
}

// NewKafkaSource builds a consumer-group reader from config.
func NewKafkaSource(cfg config.KafkaConfig, logger zerolog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaSource(reader, logger), nil
}

func newKafkaSource(reader messageReader, logger zerolog.Logger) *KafkaSource {
	return &KafkaSource{
		reader: reader,
		logger: logger.With().Str("component", "kafka_source").Logger(),
		now:    time.Now,
	}
}

// Run fetches, handles and commits messages until ctx is cancelled or the
// handler fails. Undecodable messages are logged and committed.
func (s *KafkaSource) Run(ctx context.Context, handle BatchHandler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		received := msg.Time
		if received.IsZero() {
			received = s.now()
		}

		batch, decodeErr := Decode(bytes.NewReader(msg.Value), received)
		if decodeErr != nil {
			s.logger.Warn().
				Err(decodeErr).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("dropping undecodable observation message")
			metrics.ObservationsTotal.WithLabelValues("rejected").Inc()
		} else if err := handle(ctx, batch); err != nil {
			return fmt.Errorf("handle kafka batch at offset %d: %w", msg.Offset, err)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit kafka offset %d: %w", msg.Offset, err)
		}
	}
}

// Close releases the reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
