package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerSettings struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes domain events keyed by conversation or user id so one
// key keeps its order on a partition.
type Producer struct {
	writer MessageWriter
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewProducer(w MessageWriter, bs BreakerSettings, log *zap.Logger) *Producer {
	st := gobreaker.Settings{
		Name:     "kafka-events",
		Interval: bs.Interval,
		Timeout:  bs.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= bs.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Producer{writer: w, cb: gobreaker.NewCircuitBreaker(st), log: log}
}

func (p *Producer) Publish(ctx context.Context, ev domain.DomainEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(ev.Key),
		Value:   value,
		Time:    ev.OccurredAt,
		Headers: []kafka.Header{{Key: "event", Value: []byte(ev.Event)}},
	}
	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msg)
	})
	return err
}

func (p *Producer) Close() error { return p.writer.Close() }
