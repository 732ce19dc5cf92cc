// Package notify forwards persisted chat messages to Kafka for downstream
// consumers such as notification and search services.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Tyrowin/sketchchat/internal/hub"
)

// EventMessageSent is the event name carried in every published record.
const EventMessageSent = "message-sent"

// BreakerConfig controls when publishing stops trying a failing broker.
type BreakerConfig struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultBreakerConfig trips after five consecutive failures and lets a
// trial request through after thirty seconds.
var DefaultBreakerConfig = BreakerConfig{
	MaxFailures: 5,
	Interval:    time.Minute,
	Timeout:     30 * time.Second,
}

// batchTimeout bounds how long a single message waits for a batch to fill.
// kafka-go defaults to one second.
const batchTimeout = 10 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type record struct {
	Event   string      `json:"event"`
	Message hub.Message `json:"message"`
	SentAt  time.Time   `json:"sentAt"`
}

// KafkaPublisher implements hub.Publisher on a kafka-go writer guarded by a
// circuit breaker.
type KafkaPublisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker
	topic   string
	log     *zap.Logger
}

var _ hub.Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher writes to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, cb BreakerConfig, log *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("notify: kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
		Async:        false,
	}
	log.Info("Publishing messages to Kafka", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return newKafkaPublisher(w, topic, cb, log), nil
}

func newKafkaPublisher(w messageWriter, topic string, cb BreakerConfig, log *zap.Logger) *KafkaPublisher {
	st := gobreaker.Settings{
		Name:        "kafka-" + topic,
		MaxRequests: 1,
		Interval:    cb.Interval,
		Timeout:     cb.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cb.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &KafkaPublisher{
		writer:  w,
		breaker: gobreaker.NewCircuitBreaker(st),
		topic:   topic,
		log:     log,
	}
}

// Publish writes msg keyed by its chat id, so one chat's messages stay on
// one partition in order. While the breaker is open it fails fast with
// gobreaker.ErrOpenState.
func (p *KafkaPublisher) Publish(ctx context.Context, msg hub.Message) error {
	value, err := json.Marshal(record{Event: EventMessageSent, Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "notify: encode message")
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(msg.ChatID),
			Value: value,
			Time:  msg.CreatedAt,
		})
	})
	return errors.Wrapf(err, "notify: publish %s to %s", msg.ID, p.topic)
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
