// Package publish streams analysis results to Kafka so downstream services
// can consume them without polling the API.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/models"
)

// Publisher delivers analysis results to a message bus.
type Publisher interface {
	Publish(res *models.AnalysisResult) error
	Close()
}

// Options configures a KafkaPublisher.
type Options struct {
	BootstrapServers string
	Topic            string
	ClientID         string
}

// Metrics are the delivery counters of a publisher.
type Metrics struct {
	Sent    int64 `json:"messages_sent"`
	Acked   int64 `json:"messages_acked"`
	Failed  int64 `json:"messages_failed"`
	Pending int64 `json:"messages_pending"`
}

// KafkaPublisher produces one message per analysis result.
type KafkaPublisher struct {
	producer     *kafka.Producer
	topic        string
	deliveryChan chan kafka.Event
	logger       logrus.FieldLogger

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	maxRetries  int
	baseBackoff time.Duration
}

// NewKafkaPublisher connects a producer and starts its delivery report loop.
func NewKafkaPublisher(opts Options, logger logrus.FieldLogger) (*KafkaPublisher, error) {
	if opts.Topic == "" {
		return nil, fmt.Errorf("publish topic must be set")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	cm := &kafka.ConfigMap{
		"bootstrap.servers":  opts.BootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
		"compression.type":   "snappy",
		"linger.ms":          10,
		"request.timeout.ms": 30000,
	}
	if opts.ClientID != "" {
		if err := cm.SetKey("client.id", opts.ClientID); err != nil {
			return nil, fmt.Errorf("failed to set client id: %w", err)
		}
	}

	p, err := kafka.NewProducer(cm)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	kp := &KafkaPublisher{
		producer:     p,
		topic:        opts.Topic,
		deliveryChan: make(chan kafka.Event, 1000),
		logger:       logger.WithField("component", "publish"),
		ctx:          ctx,
		cancel:       cancel,
		maxRetries:   3,
		baseBackoff:  100 * time.Millisecond,
	}

	kp.wg.Add(1)
	go kp.handleDeliveryReports()

	kp.logger.WithFields(logrus.Fields{
		"topic":   opts.Topic,
		"servers": opts.BootstrapServers,
	}).Info("kafka publisher initialized")
	return kp, nil
}

func (kp *KafkaPublisher) handleDeliveryReports() {
	defer kp.wg.Done()

	for {
		select {
		case <-kp.ctx.Done():
			return
		case e := <-kp.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				kp.failed.Add(1)
				kp.logger.WithError(m.TopicPartition.Error).
					WithField("analysis_id", string(m.Key)).Warn("delivery failed")
				continue
			}
			kp.acked.Add(1)
		}
	}
}

// Publish queues res for delivery. Queue-full and other retriable errors
// are retried with exponential back-off.
func (kp *KafkaPublisher) Publish(res *models.AnalysisResult) error {
	msg, err := NewMessage(kp.topic, res)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= kp.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(kp.baseBackoff * time.Duration(1<<uint(attempt-1)))
		}

		err := kp.producer.Produce(msg, kp.deliveryChan)
		if err == nil {
			kp.sent.Add(1)
			return nil
		}
		lastErr = err

		if kafkaErr, ok := err.(kafka.Error); ok && !kafkaErr.IsRetriable() &&
			kafkaErr.Code() != kafka.ErrQueueFull {
			return fmt.Errorf("non-retriable error: %w", err)
		}
	}

	kp.failed.Add(1)
	return fmt.Errorf("failed after %d retries: %w", kp.maxRetries, lastErr)
}

// Metrics returns the current delivery counters.
func (kp *KafkaPublisher) Metrics() Metrics {
	sent, acked, failed := kp.sent.Load(), kp.acked.Load(), kp.failed.Load()
	return Metrics{Sent: sent, Acked: acked, Failed: failed, Pending: sent - acked - failed}
}

// Close flushes outstanding messages and shuts the producer down.
func (kp *KafkaPublisher) Close() {
	remaining := kp.producer.Flush(int((30 * time.Second).Milliseconds()))
	if remaining > 0 {
		kp.logger.WithField("remaining", remaining).Warn("messages still queued after flush")
	}

	kp.cancel()
	kp.wg.Wait()
	kp.producer.Close()

	m := kp.Metrics()
	kp.logger.WithFields(logrus.Fields{
		"sent": m.Sent, "acked": m.Acked, "failed": m.Failed,
	}).Info("kafka publisher closed")
}

// NewMessage encodes res as a Kafka message keyed by its analysis id.
func NewMessage(topic string, res *models.AnalysisResult) (*kafka.Message, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize analysis %s: %w", res.ID, err)
	}

	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(res.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "drone_id", Value: []byte(res.Metadata.DroneID)},
			{Key: "project_id", Value: []byte(res.Metadata.ProjectID)},
		},
	}, nil
}

// Nop discards every result. It is used when publishing is disabled.
type Nop struct{}

// Publish drops res.
func (Nop) Publish(*models.AnalysisResult) error { return nil }

// Close does nothing.
func (Nop) Close() {}
