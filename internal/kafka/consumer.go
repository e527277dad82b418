package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// UserCreated is the payload of the identity service's user.created topic.
type UserCreated struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

func (u UserCreated) id() string {
	if u.UserID != "" {
		return u.UserID
	}
	return u.ID
}

// Registrar provisions an empty relationship record for a new user.
type Registrar interface {
	RegisterUser(ctx context.Context, id string) (domain.User, error)
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}

// UserConsumer provisions users announced on user.created.
type UserConsumer struct {
	reader MessageReader
	users  Registrar
	log    *zap.Logger
}

func NewUserConsumer(r MessageReader, users Registrar, log *zap.Logger) *UserConsumer {
	return &UserConsumer{reader: r, users: users, log: log}
}

// Run commits an offset only after the user is stored. A failed
// registration is retried until ctx ends.
func (c *UserConsumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Error("kafka fetch", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		for {
			err := c.handle(ctx, m)
			if err == nil {
				break
			}
			c.log.Warn("register user failed, retrying", zap.ByteString("key", m.Key), zap.Error(err))
			if !sleep(ctx, time.Second) {
				return nil
			}
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.log.Warn("kafka commit", zap.Error(err))
		}
	}
}

func (c *UserConsumer) handle(ctx context.Context, m kafka.Message) error {
	var ev UserCreated
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.id() == "" {
		// poison message, skip it
		c.log.Warn("drop malformed user.created", zap.ByteString("value", m.Value))
		return nil
	}
	_, err := c.users.RegisterUser(ctx, ev.id())
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *UserConsumer) Close() error { return c.reader.Close() }
