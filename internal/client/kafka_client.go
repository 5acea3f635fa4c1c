package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"volunteer-auth-service/internal/config"
)

// MessageWriter is the part of kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes security events for the fraud-review consumers.
type KafkaProducer struct {
	writer  MessageWriter
	brokers []string
	topic   string
	tls     bool
	logger  *zap.Logger
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) *KafkaProducer {
	kc := cfg.Kafka
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(kc.Brokers...),
		Topic:                  kc.EventsTopic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              100,
		BatchBytes:             1 << 20,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: !cfg.IsProduction(),
	}
	if cfg.IsProduction() {
		writer.Transport = &kafka.Transport{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", kc.Brokers),
		zap.String("topic", kc.EventsTopic))

	return &KafkaProducer{
		writer:  writer,
		brokers: kc.Brokers,
		topic:   kc.EventsTopic,
		tls:     cfg.IsProduction(),
		logger:  logger,
	}
}

// NewKafkaProducerWithWriter is used by tests and by callers that manage
// their own writer.
func NewKafkaProducerWithWriter(w MessageWriter, topic string, logger *zap.Logger) *KafkaProducer {
	return &KafkaProducer{writer: w, topic: topic, logger: logger}
}

// Publish writes one keyed message. Keys keep a volunteer's events on one
// partition so consumers see them in order.
func (p *KafkaProducer) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{Key: []byte(key), Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	p.logger.Debug("Published security event",
		zap.String("topic", p.topic),
		zap.String("key", key),
		zap.Int("value_size", len(value)))
	return nil
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return nil
	}
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true}
	if p.tls {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(p.topic); err != nil {
		return fmt.Errorf("failed to read kafka partitions: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka producer", zap.Error(err))
		return err
	}
	p.logger.Info("Kafka producer closed")
	return nil
}
