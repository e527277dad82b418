package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// NewMongoStore builds the three repositories over db and ensures indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database, timeout time.Duration) (Store, error) {
	users := &MongoUserRepository{coll: db.Collection(usersCollection), timeout: timeout}
	convs := &MongoConversationRepository{coll: db.Collection(conversationsCollection), timeout: timeout}
	msgs := &MongoMessageRepository{coll: db.Collection(messagesCollection), timeout: timeout}

	if err := convs.ensureIndexes(ctx); err != nil {
		return Store{}, err
	}
	if err := msgs.ensureIndexes(ctx); err != nil {
		return Store{}, err
	}
	return Store{Users: users, Conversations: convs, Messages: msgs}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func mapMongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	}
	return err
}
