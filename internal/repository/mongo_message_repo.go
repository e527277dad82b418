package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoMessageRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func (r *MongoMessageRepository) ensureIndexes(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("conv_created_id_idx"),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetName("client_msg_uniq").SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

func (r *MongoMessageRepository) InsertMessage(ctx context.Context, m domain.Message) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.InsertOne(ctx, m); err != nil {
		if mapMongoErr(err) == ErrDuplicate {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MongoMessageRepository) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoMessageRepository) FindByClientID(ctx context.Context, conversationID, senderID, clientMsgID string) (domain.Message, error) {
	return r.findOne(ctx, bson.M{"conversation_id": conversationID, "sender_id": senderID, "client_msg_id": clientMsgID})
}

func (r *MongoMessageRepository) findOne(ctx context.Context, filter bson.M) (domain.Message, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var m domain.Message
	if err := r.coll.FindOne(ctx, filter).Decode(&m); err != nil {
		return domain.Message{}, mapMongoErr(err)
	}
	return m, nil
}

func (r *MongoMessageRepository) EditMessage(ctx context.Context, id, body string, at time.Time) (domain.Message, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var m domain.Message
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "is_deleted": false},
		bson.M{"$set": bson.M{"body": body, "is_edited": true, "edited_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return m, nil
	}
	if mapMongoErr(err) != ErrNotFound {
		return domain.Message{}, fmt.Errorf("edit message: %w", err)
	}
	if _, gerr := r.GetMessage(ctx, id); gerr != nil {
		return domain.Message{}, gerr
	}
	return domain.Message{}, ErrPreconditionFailed
}

func (r *MongoMessageRepository) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (domain.Message, bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var m domain.Message
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "is_deleted": false},
		bson.M{
			"$set":   bson.M{"is_deleted": true, "body": "", "deleted_at": at},
			"$unset": bson.M{"attachment_ref": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		return m, true, nil
	}
	if mapMongoErr(err) != ErrNotFound {
		return domain.Message{}, false, fmt.Errorf("soft delete message: %w", err)
	}
	// already deleted, or missing
	cur, gerr := r.GetMessage(ctx, id)
	if gerr != nil {
		return domain.Message{}, false, gerr
	}
	return cur, false, nil
}

func (r *MongoMessageRepository) ListMessages(ctx context.Context, q ListQuery) ([]domain.Message, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	filter := bson.M{"conversation_id": q.ConversationID}
	dir := 1
	cmp := "$gt"
	if q.Before {
		dir = -1
		cmp = "$lt"
	}
	if !q.Cursor.IsZero() {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{cmp: q.Cursor.CreatedAt}},
			bson.M{"created_at": q.Cursor.CreatedAt, "_id": bson.M{cmp: q.Cursor.ID}},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: dir}, {Key: "_id", Value: dir}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cur.Close(ctx)
	out := []domain.Message{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if q.Before {
		slices.Reverse(out)
	}
	return out, nil
}

func (r *MongoMessageRepository) DeleteMessage(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoMessageRepository) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("delete conversation messages: %w", err)
	}
	return res.DeletedCount, nil
}
