package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// LocalFanout delivers in process. Used for single-instance runs.
type LocalFanout struct {
	Hub *Hub
}

func (f LocalFanout) Emit(_ context.Context, d Delivery) error {
	f.Hub.Deliver(d)
	return nil
}

type BreakerSettings struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// RedisBridge publishes deliveries to a Redis channel that every instance
// subscribes to, so a member connected elsewhere still receives the event.
type RedisBridge struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewRedisBridge(rdb *redis.Client, channel string, hub *Hub, bs BreakerSettings, log *zap.Logger) *RedisBridge {
	if log == nil {
		log = zap.NewNop()
	}
	st := gobreaker.Settings{
		Name:     "redis-fanout",
		Interval: bs.Interval,
		Timeout:  bs.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= bs.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &RedisBridge{rdb: rdb, channel: channel, hub: hub, cb: gobreaker.NewCircuitBreaker(st), log: log}
}

// Emit publishes d. If publishing fails, local sessions are still served and
// the error is returned for the caller to log.
func (b *RedisBridge) Emit(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.rdb.Publish(ctx, b.channel, payload).Err()
	})
	if err != nil {
		b.hub.Deliver(d)
		return err
	}
	return nil
}

// Run relays published deliveries to the local hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	for {
		err := b.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("redis fanout subscription ended, resubscribing", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (b *RedisBridge) subscribe(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.log.Warn("drop malformed delivery", zap.Error(err))
				continue
			}
			b.hub.Deliver(d)
		}
	}
}
